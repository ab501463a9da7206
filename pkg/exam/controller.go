// Package exam sequences one manual examination: reset, warmup, capture,
// the human-operated interval, evaluation and persistence.
package exam

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/deskexam/pkg/artifacts"
	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/metrics"
	"github.com/psantana5/deskexam/pkg/shutdown"
	"github.com/psantana5/deskexam/pkg/task"
	"github.com/psantana5/deskexam/pkg/tracing"
)

// DefaultWarmupSteps is the number of warmup units waited after reset
const DefaultWarmupSteps = 15

// cleanupTimeout bounds best-effort calls made after the session token is gone
const cleanupTimeout = 30 * time.Second

// Desktop is the environment surface the controller drives.
// *lifecycle.Handle implements it.
type Desktop interface {
	Address() string
	A11yTree() bool
	Recording() bool
	Reset(ctx context.Context, d *task.Descriptor) error
	Observe(ctx context.Context) (*desktop.Observation, error)
	Evaluate(ctx context.Context) (float64, error)
	StartRecording(ctx context.Context) error
	EndRecording(ctx context.Context, destination string) error
}

// Controller runs the examination state machine for one session
type Controller struct {
	desktop    Desktop
	descriptor *task.Descriptor
	recorder   *artifacts.Recorder

	logger          *logging.Logger
	metrics         *metrics.Metrics
	tracer          *tracing.Provider
	acks            []Acknowledger
	out             io.Writer
	notices         []string
	warmupUnit      time.Duration
	warmupSteps     int
	observationType string
	host            interface{}
	now             func() time.Time
	onState         func(State)

	mu         sync.Mutex
	session    *Session
	stateSince time.Time
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the controller's logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records state durations, score and outcome
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer emits one span per state
func WithTracer(p *tracing.Provider) Option {
	return func(c *Controller) { c.tracer = p }
}

// WithAcknowledgers sets the sources raced by the human-wait gate
func WithAcknowledgers(acks ...Acknowledger) Option {
	return func(c *Controller) { c.acks = append(c.acks, acks...) }
}

// WithOutput sets where the task banner is printed
func WithOutput(w io.Writer) Option {
	return func(c *Controller) { c.out = w }
}

// WithNotice adds a line to the task banner, e.g. remote access details
func WithNotice(line string) Option {
	return func(c *Controller) { c.notices = append(c.notices, line) }
}

// WithWarmup sets the warmup unit and step count
func WithWarmup(unit time.Duration, steps int) Option {
	return func(c *Controller) {
		c.warmupUnit = unit
		c.warmupSteps = steps
	}
}

// WithObservationType decides whether accessibility trees are stored
func WithObservationType(t string) Option {
	return func(c *Controller) { c.observationType = t }
}

// WithHostInfo attaches the host preflight snapshot to task_info.json
func WithHostInfo(host interface{}) Option {
	return func(c *Controller) { c.host = host }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStateListener is called after every transition
func WithStateListener(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// NewController creates a controller in the created state
func NewController(d Desktop, descriptor *task.Descriptor, recorder *artifacts.Recorder, opts ...Option) *Controller {
	c := &Controller{
		desktop:         d,
		descriptor:      descriptor,
		recorder:        recorder,
		logger:          logging.Nop(),
		tracer:          tracing.Noop(),
		out:             io.Discard,
		warmupUnit:      time.Second,
		warmupSteps:     DefaultWarmupSteps,
		observationType: desktop.ObservationScreenshot,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	started := c.now()
	c.session = newSession(recorder.Dir(), descriptor.Domain, descriptor.ExampleID, started)
	c.session.VMAddress = d.Address()
	c.stateSince = started
	c.logger = c.logger.WithField("session_id", c.session.ID)
	return c
}

// Snapshot returns a copy of the session record
func (c *Controller) Snapshot() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.session
	if c.session.Score != nil {
		score := *c.session.Score
		s.Score = &score
	}
	return &s
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	from := c.session.State
	if err := ValidateTransition(from, to); err != nil {
		c.mu.Unlock()
		return examerr.Wrap(examerr.KindUnexpected, "transition", err)
	}
	now := c.now()
	elapsed := now.Sub(c.stateSince)
	c.session.State = to
	c.stateSince = now
	c.mu.Unlock()

	c.metrics.ObserveState(string(from), elapsed)
	c.logger.Debug("State transition", map[string]interface{}{
		"from":     string(from),
		"to":       string(to),
		"duration": elapsed.String(),
	})
	if c.onState != nil {
		c.onState(to)
	}
	return nil
}

// Run drives the whole state machine. An operator cancel during the human
// wait yields a session with OutcomeAborted and a nil error. A cancelled
// token anywhere else yields an examerr.KindInterrupted error.
func (c *Controller) Run(ctx context.Context) (sess *Session, err error) {
	ctx, root := c.tracer.StartSpan(ctx, "examination",
		attribute.String("session.id", c.session.ID),
		attribute.String("task.domain", c.descriptor.Domain),
		attribute.String("task.example_id", c.descriptor.ExampleID),
	)
	defer func() { tracing.EndSpan(root, err) }()

	c.metrics.SessionStarted(c.session.StartedAt)
	c.logger.Info("Starting manual examination", map[string]interface{}{
		"domain":     c.descriptor.Domain,
		"example_id": c.descriptor.ExampleID,
		"result_dir": c.recorder.Dir(),
	})

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateReset, c.Reset},
		{StateWarmup, c.Warmup},
		{StateInitialCapture, c.InitialCapture},
		{StateRecording, c.StartRecording},
	}
	for _, s := range steps {
		if err := c.step(ctx, s.state, s.fn); err != nil {
			return c.fail(ctx, err)
		}
	}

	if err := c.step(ctx, StateAwaitingHuman, nil); err != nil {
		return c.fail(ctx, err)
	}
	verdict := c.AwaitHuman(ctx)
	c.finishRecording(ctx)
	if verdict != Acknowledged {
		return c.abort(), nil
	}

	steps = []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateEvaluating, c.evaluate},
		{StateFinalCapture, c.FinalCapture},
		{StatePersisted, c.Persist},
	}
	for _, s := range steps {
		if err := c.step(ctx, s.state, s.fn); err != nil {
			return c.fail(ctx, err)
		}
	}

	if err := c.transition(StateClosed); err != nil {
		return c.fail(ctx, err)
	}
	c.logger.Info("Examination completed", map[string]interface{}{
		"score":      *c.Snapshot().Score,
		"result_dir": c.recorder.Dir(),
	})
	return c.Snapshot(), nil
}

// step enters state and runs fn inside a span. The token is checked before
// entering; fn itself is not interrupted.
func (c *Controller) step(ctx context.Context, state State, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	if err := c.transition(state); err != nil {
		return err
	}
	if fn == nil {
		return nil
	}

	spanCtx, span := c.tracer.StartSpan(ctx, "state."+string(state),
		attribute.String("session.id", c.session.ID))
	err := fn(spanCtx)
	tracing.EndSpan(span, err)

	if err != nil && ctx.Err() != nil {
		c.logger.Debug("Step failed after cancellation", map[string]interface{}{
			"state": string(state),
			"error": err.Error(),
		})
		return interrupted(ctx)
	}
	return err
}

func interrupted(ctx context.Context) error {
	if se, ok := shutdown.SignalFrom(ctx); ok {
		return examerr.Interrupted("run", se.Signo())
	}
	return examerr.Interrupted("run", 0)
}

// Reset applies the task configuration to the desktop
func (c *Controller) Reset(ctx context.Context) error {
	c.logger.Info("Resetting environment", map[string]interface{}{"task": c.descriptor.ID()})
	if err := c.desktop.Reset(ctx, c.descriptor); err != nil {
		return examerr.Wrap(examerr.KindUnexpected, "reset", err)
	}
	return nil
}

// Warmup waits for the desktop to settle. It cannot be shortened, only
// cancelled with the session.
func (c *Controller) Warmup(ctx context.Context) error {
	total := time.Duration(c.warmupSteps) * c.warmupUnit
	c.logger.Info("Waiting for environment to be ready", map[string]interface{}{"duration": total.String()})

	timer := time.NewTimer(total)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// InitialCapture stores the initial observation and the first task_info.json
func (c *Controller) InitialCapture(ctx context.Context) error {
	ts, shot, tree, err := c.capture(ctx, "initial")
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session.InitialTimestamp = ts
	c.session.InitialScreenshot = shot
	c.session.InitialA11yTree = tree
	c.mu.Unlock()

	c.logger.Info("Initial state captured", map[string]interface{}{"screenshot": shot})
	return c.recorder.WriteTaskInfo(c.taskInfo())
}

// FinalCapture stores the final observation
func (c *Controller) FinalCapture(ctx context.Context) error {
	ts, shot, tree, err := c.capture(ctx, "final")
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session.FinalTimestamp = ts
	c.session.FinalScreenshot = shot
	c.session.FinalA11yTree = tree
	c.mu.Unlock()

	c.logger.Info("Final state captured", map[string]interface{}{"screenshot": shot})
	return nil
}

func (c *Controller) capture(ctx context.Context, phase string) (ts, shot, tree string, err error) {
	obs, err := c.desktop.Observe(ctx)
	if err != nil {
		return "", "", "", examerr.Wrap(examerr.KindUnexpected, phase+"_capture", err)
	}
	if obs == nil || len(obs.Screenshot) == 0 {
		return "", "", "", examerr.New(examerr.KindUnexpected, phase+"_capture", "observation has no screenshot")
	}

	ts = c.recorder.Timestamp()
	if shot, err = c.recorder.WriteScreenshot(phase, ts, obs.Screenshot); err != nil {
		return "", "", "", err
	}
	if obs.A11yTree != "" && (c.desktop.A11yTree() || desktop.RequiresA11yTree(c.observationType)) {
		if tree, err = c.recorder.WriteA11yTree(phase, ts, obs.A11yTree); err != nil {
			return "", "", "", err
		}
	}
	return ts, shot, tree, nil
}

// StartRecording begins the screen recording
func (c *Controller) StartRecording(ctx context.Context) error {
	c.logger.Info("Starting screen recording")
	if err := c.desktop.StartRecording(ctx); err != nil {
		return examerr.Wrap(examerr.KindUnexpected, "start_recording", err)
	}
	return nil
}

// EndRecording stops the recording and saves it into the session directory
func (c *Controller) EndRecording(ctx context.Context) error {
	if err := c.desktop.EndRecording(ctx, c.recorder.RecordingPath()); err != nil {
		return examerr.Wrap(examerr.KindUnexpected, "end_recording", err)
	}
	return nil
}

// finishRecording ends an active recording even when the token is gone
func (c *Controller) finishRecording(ctx context.Context) {
	if !c.desktop.Recording() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := c.EndRecording(ctx); err != nil {
		c.logger.Warn("Failed to save screen recording", map[string]interface{}{"error": err.Error()})
		return
	}
	c.logger.Info("Screen recording saved", map[string]interface{}{"path": c.recorder.RecordingPath()})
}

// AwaitHuman prints the task banner and blocks until an acknowledger
// resolves or the session token is cancelled
func (c *Controller) AwaitHuman(ctx context.Context) Verdict {
	c.banner()
	verdict := First(ctx, c.acks...)
	c.logger.Info("Human-operated interval finished", map[string]interface{}{"verdict": verdict.String()})
	return verdict
}

func (c *Controller) banner() {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(c.out, rule)
	fmt.Fprintf(c.out, "Task: %s/%s\n", c.descriptor.Domain, c.descriptor.ExampleID)
	fmt.Fprintf(c.out, "Instruction: %s\n", c.descriptor.Instruction)
	for _, n := range c.notices {
		fmt.Fprintln(c.out, n)
	}
	fmt.Fprintln(c.out, rule)

	c.logger.Info("Awaiting human operator", map[string]interface{}{
		"instruction": c.descriptor.Instruction,
		"vm_address":  c.desktop.Address(),
	})
}

// Evaluate runs the scoring function. The score is stored as returned.
func (c *Controller) Evaluate(ctx context.Context) (float64, error) {
	c.logger.Info("Evaluating task result")
	score, err := c.desktop.Evaluate(ctx)
	if err != nil {
		return 0, examerr.Wrap(examerr.KindUnexpected, "evaluate", err)
	}

	c.mu.Lock()
	c.session.Score = &score
	c.mu.Unlock()
	c.metrics.Score(score)
	c.logger.Info("Evaluation finished", map[string]interface{}{"score": score})
	return score, nil
}

func (c *Controller) evaluate(ctx context.Context) error {
	_, err := c.Evaluate(ctx)
	return err
}

// Persist rewrites task_info.json and writes result.txt,
// execution_log.jsonl and metrics.prom
func (c *Controller) Persist(ctx context.Context) error {
	snap := c.Snapshot()
	if snap.Score == nil {
		return examerr.New(examerr.KindUnexpected, "persist", "no score to persist")
	}

	c.mu.Lock()
	c.session.Outcome = OutcomeCompleted
	c.session.EndedAt = c.now()
	c.mu.Unlock()

	if err := c.recorder.WriteTaskInfo(c.taskInfo()); err != nil {
		return err
	}
	if err := c.recorder.WriteResult(*snap.Score); err != nil {
		return err
	}
	if err := c.recorder.WriteExecutionLog(snap.ExecutionEntry()); err != nil {
		return err
	}

	c.metrics.SessionFinished(string(OutcomeCompleted))
	if err := c.metrics.WriteTextfile(c.recorder.MetricsPath()); err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "persist", err)
	}

	c.logger.Info("Results saved", map[string]interface{}{"result_dir": c.recorder.Dir()})
	return nil
}

// abort finalizes an operator-cancelled session. Evaluation is skipped and
// result.txt is never written.
func (c *Controller) abort() *Session {
	c.logger.Info("Examination aborted by operator")
	if err := c.transition(StateAborted); err != nil {
		c.logger.Error("Invalid abort transition", map[string]interface{}{"error": err.Error()})
	}
	c.finalize(OutcomeAborted)
	return c.Snapshot()
}

// fail finalizes a session that stopped on an error or an interrupt
func (c *Controller) fail(ctx context.Context, err error) (*Session, error) {
	outcome := OutcomeFailed
	if examerr.Is(err, examerr.KindInterrupted) {
		outcome = OutcomeAborted
		c.logger.Warn("Examination interrupted", map[string]interface{}{
			"state": string(c.State()),
			"error": err.Error(),
		})
		if terr := c.transition(StateAborted); terr != nil {
			c.logger.Debug("Abort transition skipped", map[string]interface{}{"error": terr.Error()})
		}
	} else {
		c.logger.Error("Examination failed", map[string]interface{}{
			"state": string(c.State()),
			"error": err.Error(),
		})
	}

	c.finishRecording(ctx)
	c.finalize(outcome)
	return c.Snapshot(), err
}

// finalize records the outcome. task_info.json is only rewritten when the
// initial capture already created it.
func (c *Controller) finalize(outcome Outcome) {
	c.mu.Lock()
	c.session.Outcome = outcome
	c.session.EndedAt = c.now()
	captured := c.session.InitialTimestamp != ""
	c.mu.Unlock()

	if captured {
		if err := c.recorder.WriteTaskInfo(c.taskInfo()); err != nil {
			c.logger.Warn("Failed to update task info", map[string]interface{}{"error": err.Error()})
		}
	}

	c.metrics.SessionFinished(string(outcome))
	if err := c.metrics.WriteTextfile(c.recorder.MetricsPath()); err != nil {
		c.logger.Warn("Failed to write metrics", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) taskInfo() *artifacts.TaskInfo {
	s := c.Snapshot()
	return &artifacts.TaskInfo{
		SessionID:        s.ID,
		Domain:           c.descriptor.Domain,
		ExampleID:        c.descriptor.ExampleID,
		EvalVersion:      c.descriptor.EvalVersion,
		Instruction:      c.descriptor.Instruction,
		InitialTimestamp: s.InitialTimestamp,
		FinalTimestamp:   s.FinalTimestamp,
		Result:           s.Score,
		Outcome:          string(s.Outcome),
		VMAddress:        s.VMAddress,
		Host:             c.host,
		ExampleConfig:    c.descriptor.Raw(),
	}
}
