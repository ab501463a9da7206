package vmware

import (
	"context"
	"errors"
	"sync"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/desktop/evaluator"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/task"
)

// Env is one running VMware desktop
type Env struct {
	provider *Provider
	cfg      desktop.ProvisionConfig
	logger   *logging.Logger

	mu         sync.Mutex
	ip         string
	client     *Client
	descriptor *task.Descriptor
}

// Address returns the guest IP
func (e *Env) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ip
}

func (e *Env) guest() *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Reset restores the snapshot, reboots and applies the task's setup steps
func (e *Env) Reset(ctx context.Context, d *task.Descriptor) error {
	if d == nil {
		return errors.New("no task descriptor")
	}
	// Reject unknown steps before touching the machine
	if err := validateSteps(d.Steps()); err != nil {
		return err
	}
	if err := e.boot(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.descriptor = d
	e.mu.Unlock()

	return applySteps(ctx, e.guest(), d.Steps(), e.logger)
}

// Observe captures a screenshot and, when configured, the a11y tree
func (e *Env) Observe(ctx context.Context) (*desktop.Observation, error) {
	client := e.guest()
	png, err := client.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	obs := &desktop.Observation{Screenshot: png}
	if e.cfg.RequireA11yTree {
		tree, err := client.Accessibility(ctx)
		if err != nil {
			return nil, err
		}
		obs.A11yTree = tree
	}
	return obs, nil
}

// Evaluate scores the current task
func (e *Env) Evaluate(ctx context.Context) (float64, error) {
	e.mu.Lock()
	d := e.descriptor
	ip := e.ip
	e.mu.Unlock()

	if e.provider.evaluator == nil {
		return 0, errors.New("no evaluator configured")
	}
	return e.provider.evaluator.Evaluate(ctx, evaluator.Request{Descriptor: d, VMAddress: ip})
}

// StartRecording starts the guest screen recorder
func (e *Env) StartRecording(ctx context.Context) error {
	return e.guest().StartRecording(ctx)
}

// EndRecording stops the recorder and saves the video
func (e *Env) EndRecording(ctx context.Context, destination string) error {
	return e.guest().EndRecording(ctx, destination)
}

// Close powers the machine off
func (e *Env) Close() error {
	e.logger.Info("Stopping virtual machine")
	return e.provider.vmrun.Stop(context.Background(), e.cfg.MachineImagePath)
}
