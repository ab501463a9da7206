// Package lifecycle owns provisioning of the desktop environment and its
// exactly-once release.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/metrics"
)

// Release initiators
const (
	InitiatorMain   = "main"
	InitiatorSignal = "signal"
)

// ErrTerminating is returned by Acquire once shutdown has begun
var ErrTerminating = errors.New("shutdown in progress")

// Guard provisions at most one environment and releases it exactly once
type Guard struct {
	provisioner desktop.Provisioner
	logger      *logging.Logger
	metrics     *metrics.Metrics

	imageExt    string
	minFreeMem  uint64
	inspectHost func(ctx context.Context) (*HostInfo, error)
	state       TerminationState
	releaseDone chan struct{}

	mu     sync.Mutex
	handle *Handle
}

// Option configures a Guard
type Option func(*Guard)

// WithLogger sets the guard's logger
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics records provisioning and teardown metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithImageExtension requires the machine image path to end in ext
func WithImageExtension(ext string) Option {
	return func(g *Guard) { g.imageExt = ext }
}

// WithMinFreeMemory warns when less host memory than n bytes is available
func WithMinFreeMemory(n uint64) Option {
	return func(g *Guard) { g.minFreeMem = n }
}

// WithHostInspector replaces the gopsutil host inspection
func WithHostInspector(inspect func(ctx context.Context) (*HostInfo, error)) Option {
	return func(g *Guard) { g.inspectHost = inspect }
}

// NewGuard creates a guard around provisioner
func NewGuard(provisioner desktop.Provisioner, opts ...Option) *Guard {
	g := &Guard{
		provisioner: provisioner,
		logger:      logging.Nop(),
		inspectHost: InspectHost,
		releaseDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire validates the machine image and provisions the desktop
func (g *Guard) Acquire(ctx context.Context, cfg desktop.ProvisionConfig) (*Handle, error) {
	if g.state.InProgress() {
		return nil, ErrTerminating
	}
	if err := g.validateImage(cfg.MachineImagePath); err != nil {
		return nil, err
	}

	g.mu.Lock()
	live := g.handle != nil
	g.mu.Unlock()
	if live {
		return nil, examerr.New(examerr.KindUnexpected, "acquire", "environment already acquired")
	}

	host, err := g.inspectHost(ctx)
	if err != nil {
		g.logger.Warn("Host preflight failed", map[string]interface{}{"error": err.Error()})
	} else {
		g.logHost(host)
	}

	g.logger.Info("Creating desktop environment, please wait...", map[string]interface{}{
		"image":    cfg.MachineImagePath,
		"snapshot": cfg.SnapshotName,
		"screen":   cfg.Screen.String(),
		"os":       cfg.OSType,
		"headless": cfg.Headless,
	})

	started := time.Now()
	env, err := g.provisioner.Provision(ctx, cfg)
	if err != nil {
		return nil, examerr.Wrap(examerr.KindProvisioning, "provision", err)
	}
	g.metrics.ObserveProvision(time.Since(started))

	h := &Handle{env: env, a11yTree: cfg.RequireA11yTree, host: host}

	g.mu.Lock()
	defer g.mu.Unlock()
	// A signal may have won the release while provisioning ran. Nothing
	// else will ever see this env, so close it here.
	if g.state.InProgress() {
		if cerr := closeEnv(env); cerr != nil {
			g.logger.Error("Error closing environment provisioned during shutdown", map[string]interface{}{"error": cerr.Error()})
		}
		return nil, ErrTerminating
	}
	g.handle = h
	return h, nil
}

func (g *Guard) validateImage(path string) error {
	if strings.TrimSpace(path) == "" {
		return examerr.New(examerr.KindProvisioning, "validate_image", "machine image path is required")
	}
	if g.imageExt != "" && !strings.HasSuffix(strings.ToLower(path), g.imageExt) {
		return examerr.New(examerr.KindProvisioning, "validate_image",
			"machine image path should point to a %s file: %s", g.imageExt, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return examerr.Wrap(examerr.KindProvisioning, "validate_image",
			fmt.Errorf("machine image not found: %s: %w", path, err))
	}
	if info.IsDir() {
		return examerr.New(examerr.KindProvisioning, "validate_image", "machine image path is a directory: %s", path)
	}
	return nil
}

func (g *Guard) logHost(host *HostInfo) {
	fields := host.Fields()
	g.logger.Debug("Host preflight", fields)
	if g.minFreeMem > 0 && host.MemAvailableBytes < g.minFreeMem {
		g.logger.Warn("Host memory is low for a desktop VM", map[string]interface{}{
			"available": FormatBytes(host.MemAvailableBytes),
			"wanted":    FormatBytes(g.minFreeMem),
		})
	}
}

// Release tears the environment down. Only the first call across all
// goroutines does any work; it returns true. Every later call waits for
// that teardown to finish and returns false. Teardown errors and panics are
// logged and suppressed.
func (g *Guard) Release(initiator string) bool {
	if !g.state.Begin() {
		<-g.releaseDone
		return false
	}
	defer close(g.releaseDone)

	g.mu.Lock()
	h := g.handle
	g.handle = nil
	g.mu.Unlock()

	if h == nil {
		g.logger.Debug("Release with no live environment", map[string]interface{}{"initiator": initiator})
		return true
	}

	if h.Recording() {
		g.logger.Warn("Closing environment while recording is active; recording discarded")
	}

	g.logger.Info("Closing environment...", map[string]interface{}{"initiator": initiator})
	err := closeEnv(h.env)
	g.metrics.Teardown(initiator, err)
	if err != nil {
		g.logger.Error("Error closing environment", map[string]interface{}{
			"initiator": initiator,
			"error":     examerr.Wrap(examerr.KindTeardown, "close", err).Error(),
		})
		return true
	}
	g.logger.Info("Environment closed successfully", map[string]interface{}{"initiator": initiator})
	return true
}

// closeEnv turns a panic raised while closing into a teardown error
func closeEnv(env desktop.Env) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = examerr.New(examerr.KindTeardown, "close", "panic: %v", p)
		}
	}()
	return env.Close()
}

// Terminating reports whether release has begun
func (g *Guard) Terminating() bool {
	return g.state.InProgress()
}

// Released is closed once the winning Release call has finished teardown
func (g *Guard) Released() <-chan struct{} {
	return g.releaseDone
}
