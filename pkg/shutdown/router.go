// Package shutdown routes termination signals and workflow exits onto the
// lifecycle guard's single release path.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/lifecycle"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/metrics"
)

// DefaultGracePeriod is how long the first signal waits for the workflow to
// unwind on its own before the router releases the environment itself.
const DefaultGracePeriod = 10 * time.Second

// Releaser is the part of the lifecycle guard the router drives
type Releaser interface {
	Release(initiator string) bool
	Terminating() bool
}

// SignalError is the cancellation cause set on the session context
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %v", e.Signal)
}

// Signo returns the numeric signal, or 0 when unknown
func (e *SignalError) Signo() int {
	if s, ok := e.Signal.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}

// SignalFrom returns the signal that cancelled ctx, if any
func SignalFrom(ctx context.Context) (*SignalError, bool) {
	var se *SignalError
	if errors.As(context.Cause(ctx), &se) {
		return se, true
	}
	return nil, false
}

// Router funnels SIGINT, SIGTERM, errors and panics into one release
type Router struct {
	guard   Releaser
	logger  *logging.Logger
	metrics *metrics.Metrics
	exit    func(int)
	grace   time.Duration

	signals    chan os.Signal
	notify     func(chan<- os.Signal, ...os.Signal)
	stopNotify func(chan<- os.Signal)

	hooks       []func(context.Context) error
	hookTimeout time.Duration
	mu          sync.Mutex

	received  int
	cancel    context.CancelCauseFunc
	stop      chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	hooksOnce sync.Once
	forceOnce sync.Once
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the router's logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics counts received signals
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithExit replaces os.Exit
func WithExit(exit func(int)) Option {
	return func(r *Router) { r.exit = exit }
}

// WithGracePeriod sets how long the first signal waits for the workflow
func WithGracePeriod(d time.Duration) Option {
	return func(r *Router) { r.grace = d }
}

// WithSignalChannel feeds signals from ch instead of the OS
func WithSignalChannel(ch chan os.Signal) Option {
	return func(r *Router) {
		r.signals = ch
		r.notify = func(chan<- os.Signal, ...os.Signal) {}
		r.stopNotify = func(chan<- os.Signal) {}
	}
}

// WithHookTimeout bounds the time given to registered hooks
func WithHookTimeout(d time.Duration) Option {
	return func(r *Router) { r.hookTimeout = d }
}

// NewRouter creates a router bound to guard
func NewRouter(guard Releaser, opts ...Option) *Router {
	r := &Router{
		guard:       guard,
		logger:      logging.Nop(),
		exit:        os.Exit,
		grace:       DefaultGracePeriod,
		signals:     make(chan os.Signal, 2),
		notify:      signal.Notify,
		stopNotify:  signal.Stop,
		hookTimeout: 10 * time.Second,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a shutdown hook. Hooks run once, in reverse order (LIFO),
// after the environment is released.
func (r *Router) Register(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Install starts listening for SIGINT and SIGTERM. The returned context is
// the session's cancellation token; it is cancelled with a *SignalError
// cause on the first signal. The returned func stops listening.
func (r *Router) Install(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.notify(r.signals, syscall.SIGINT, syscall.SIGTERM)

	go r.loop()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			r.stopNotify(r.signals)
			close(r.stop)
			cancel(nil)
		})
	}
}

func (r *Router) loop() {
	for {
		select {
		case sig := <-r.signals:
			r.handle(sig)
		case <-r.stop:
			return
		}
	}
}

func (r *Router) handle(sig os.Signal) {
	r.metrics.Signal(sig.String())

	// Teardown already under way: ignore repeats
	if r.guard.Terminating() {
		r.logger.Debug("Signal ignored, shutdown already in progress", map[string]interface{}{"signal": sig.String()})
		return
	}

	r.mu.Lock()
	r.received++
	count := r.received
	cancel := r.cancel
	r.mu.Unlock()

	if count > 1 {
		r.logger.Warn("Second signal received, forcing shutdown", map[string]interface{}{"signal": sig.String()})
		r.force(sig)
		return
	}

	r.logger.Info(fmt.Sprintf("Received signal %v. Gracefully shutting down...", sig))
	if cancel != nil {
		cancel(&SignalError{Signal: sig})
	}

	go func() {
		timer := time.NewTimer(r.grace)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			r.logger.Warn("Workflow did not stop within grace period, forcing shutdown", map[string]interface{}{
				"grace": r.grace.String(),
			})
			r.force(sig)
		}
	}()
}

// force releases the environment from the signal path and exits
func (r *Router) force(sig os.Signal) {
	r.forceOnce.Do(func() {
		r.guard.Release(lifecycle.InitiatorSignal)
		r.Shutdown()
		r.logger.Info("Shutdown complete. Exiting program.")

		code := 1
		if s, ok := sig.(syscall.Signal); ok {
			code = 128 + int(s)
		}
		r.exit(code)
	})
}

// Shutdown runs the registered hooks once
func (r *Router) Shutdown() {
	r.hooksOnce.Do(func() {
		r.mu.Lock()
		hooks := make([]func(context.Context) error, len(r.hooks))
		copy(hooks, r.hooks)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.hookTimeout)
		defer cancel()

		// Execute shutdown functions in reverse order (LIFO)
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i](ctx); err != nil {
				r.logger.Error("Shutdown hook failed", map[string]interface{}{"hook": i, "error": err.Error()})
			}
		}
	})
}

// Done tells a waiting signal handler that the workflow has unwound and
// released the environment itself
func (r *Router) Done() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Run is the scoped-acquisition wrapper around the whole workflow. Normal
// return, returned errors and panics all leave through the same release.
func (r *Router) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer r.Done()
	defer r.Shutdown()
	defer r.guard.Release(lifecycle.InitiatorMain)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Unexpected error in main process", map[string]interface{}{
				"panic": fmt.Sprint(p),
				"stack": string(debug.Stack()),
			})
			err = examerr.New(examerr.KindUnexpected, "run", "panic: %v", p)
		}
	}()

	r.logger.Debug("Main process final cleanup armed")
	return fn(ctx)
}
