package vmware

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/desktop/evaluator"
	"github.com/psantana5/deskexam/pkg/logging"
)

// Options tune the VMware provider
type Options struct {
	// HostType is the vmrun -T value; empty picks the platform default
	HostType string
	// ReadyTimeout bounds the wait for the in-guest server
	ReadyTimeout time.Duration
	// PollInterval paces readiness polls
	PollInterval time.Duration
	// NewClient builds the guest client for an IP. Tests point it at httptest.
	NewClient func(ip string) *Client
}

func (o *Options) defaults() {
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = 5 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.NewClient == nil {
		o.NewClient = func(ip string) *Client { return NewClient(GuestURL(ip)) }
	}
}

// Provider provisions VMware desktops. It implements desktop.Provisioner.
type Provider struct {
	vmrun     *VMRun
	evaluator evaluator.Evaluator
	logger    *logging.Logger
	opts      Options
}

// NewProvider creates a provider that drives vmrun through runner
func NewProvider(runner Runner, eval evaluator.Evaluator, logger *logging.Logger, opts Options) *Provider {
	opts.defaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Provider{
		vmrun:     NewVMRun(runner, opts.HostType),
		evaluator: eval,
		logger:    logger.WithComponent("vmware"),
		opts:      opts,
	}
}

// Provision reverts the machine to its snapshot, boots it and waits for
// the guest server. A machine that started but never became ready is
// stopped again before the error is returned.
func (p *Provider) Provision(ctx context.Context, cfg desktop.ProvisionConfig) (desktop.Env, error) {
	env := &Env{
		provider: p,
		cfg:      cfg,
		logger:   p.logger.WithField("vmx", cfg.MachineImagePath),
	}
	if err := env.boot(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("Desktop environment ready", map[string]interface{}{
		"ip":  env.ip,
		"vnc": VNCURL(env.ip),
	})
	return env, nil
}

func (p *Provider) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(p.opts.PollInterval), 1)
}

// boot runs revert, start, IP lookup and readiness in order
func (e *Env) boot(ctx context.Context) error {
	p := e.provider
	vmx := e.cfg.MachineImagePath

	if e.cfg.SnapshotName != "" {
		e.logger.Info("Reverting to snapshot", map[string]interface{}{"snapshot": e.cfg.SnapshotName})
		if err := p.vmrun.RevertToSnapshot(ctx, vmx, e.cfg.SnapshotName); err != nil {
			return err
		}
	}

	e.logger.Info("Starting virtual machine", map[string]interface{}{"headless": e.cfg.Headless})
	if err := p.vmrun.Start(ctx, vmx, e.cfg.Headless); err != nil {
		return err
	}

	ip, err := p.vmrun.GuestIP(ctx, vmx)
	if err == nil {
		client := p.opts.NewClient(ip)
		err = client.WaitReady(ctx, p.limiter(), p.opts.ReadyTimeout)
		if err == nil {
			e.mu.Lock()
			e.ip = ip
			e.client = client
			e.mu.Unlock()
			return nil
		}
	}

	// Started but unusable: power it off so it is not leaked
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if serr := p.vmrun.Stop(stopCtx, vmx); serr != nil {
		e.logger.Warn("Failed to stop machine after failed start", map[string]interface{}{"error": serr.Error()})
	}
	return fmt.Errorf("machine did not become ready: %w", err)
}
