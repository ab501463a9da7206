// Package desktoptest provides an in-memory desktop environment for tests.
package desktoptest

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/task"
)

// PNG is a minimal screenshot payload
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Env records every call made against it
type Env struct {
	Addr       string
	Score      float64
	A11y       string
	ResetErr   error
	ObserveErr error
	EvalErr    error
	CloseErr   error

	// ClosePanic, when set, is raised by Close after the call is recorded
	ClosePanic interface{}

	// EvalHook runs inside Evaluate before it returns
	EvalHook func(ctx context.Context)

	mu     sync.Mutex
	calls  []string
	closes atomic.Int32
}

// NewEnv returns a fake with a default address and score 1
func NewEnv() *Env {
	return &Env{Addr: "192.0.2.10", Score: 1}
}

func (e *Env) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

// Calls returns the ordered call log
func (e *Env) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

// Called reports whether call appears in the call log
func (e *Env) Called(call string) bool {
	for _, c := range e.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

// Closes returns how many times Close ran
func (e *Env) Closes() int {
	return int(e.closes.Load())
}

func (e *Env) Address() string { return e.Addr }

func (e *Env) Reset(ctx context.Context, d *task.Descriptor) error {
	e.record("reset")
	if d == nil {
		return errors.New("nil descriptor")
	}
	return e.ResetErr
}

func (e *Env) Observe(ctx context.Context) (*desktop.Observation, error) {
	e.record("observe")
	if e.ObserveErr != nil {
		return nil, e.ObserveErr
	}
	return &desktop.Observation{Screenshot: PNG, A11yTree: e.A11y}, nil
}

func (e *Env) Evaluate(ctx context.Context) (float64, error) {
	e.record("evaluate")
	if e.EvalHook != nil {
		e.EvalHook(ctx)
	}
	return e.Score, e.EvalErr
}

func (e *Env) StartRecording(ctx context.Context) error {
	e.record("start_recording")
	return nil
}

func (e *Env) EndRecording(ctx context.Context, destination string) error {
	e.record("end_recording")
	return os.WriteFile(destination, []byte("mp4"), 0644)
}

func (e *Env) Close() error {
	e.closes.Add(1)
	e.record("close")
	if e.ClosePanic != nil {
		panic(e.ClosePanic)
	}
	return e.CloseErr
}

// Provisioner hands out a fixed Env
type Provisioner struct {
	Env   *Env
	Err   error
	Calls atomic.Int32
	Last  desktop.ProvisionConfig
	// Hook runs before Provision returns
	Hook func()
}

func (p *Provisioner) Provision(ctx context.Context, cfg desktop.ProvisionConfig) (desktop.Env, error) {
	p.Calls.Add(1)
	p.Last = cfg
	if p.Hook != nil {
		p.Hook()
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Env, nil
}
