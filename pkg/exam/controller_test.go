package exam

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/deskexam/pkg/artifacts"
	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/desktop/desktoptest"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/lifecycle"
	"github.com/psantana5/deskexam/pkg/metrics"
	"github.com/psantana5/deskexam/pkg/shutdown"
	"github.com/psantana5/deskexam/pkg/task"
)

const descriptorJSON = `{
  "id": "123",
  "instruction": "打开终端并创建文件 <notes> & 保存",
  "config": [{"type": "sleep", "parameters": {"seconds": 0.5}}],
  "evaluator": {"func": "exact_match"}
}`

// fixedVerdict answers the human-wait gate immediately
type fixedVerdict Verdict

func (v fixedVerdict) Await(context.Context) Verdict { return Verdict(v) }

type fixture struct {
	env      *desktoptest.Env
	guard    *lifecycle.Guard
	handle   *lifecycle.Handle
	recorder *artifacts.Recorder
	desc     *task.Descriptor
}

func newFixture(t *testing.T, observationType string) *fixture {
	t.Helper()

	image := filepath.Join(t.TempDir(), "Ubuntu.vmx")
	require.NoError(t, os.WriteFile(image, []byte("config.version = \"8\"\n"), 0644))

	env := desktoptest.NewEnv()
	guard := lifecycle.NewGuard(&desktoptest.Provisioner{Env: env},
		lifecycle.WithHostInspector(func(ctx context.Context) (*lifecycle.HostInfo, error) {
			return &lifecycle.HostInfo{Hostname: "test"}, nil
		}),
		lifecycle.WithImageExtension(".vmx"),
	)
	handle, err := guard.Acquire(context.Background(), desktop.ProvisionConfig{
		MachineImagePath: image,
		RequireA11yTree:  desktop.RequiresA11yTree(observationType),
	})
	require.NoError(t, err)

	desc, err := task.Parse([]byte(descriptorJSON))
	require.NoError(t, err)
	desc.Domain = "os"
	desc.ExampleID = "123"
	desc.EvalVersion = task.EvalV2

	rec := artifacts.NewRecorder(artifacts.Layout{
		ResultRoot:      t.TempDir(),
		EvalVersion:     task.EvalV2,
		ActionSpace:     "pyautogui",
		ObservationType: observationType,
		Domain:          "os",
		ExampleID:       "123",
	})
	require.NoError(t, rec.Prepare())

	return &fixture{env: env, guard: guard, handle: handle, recorder: rec, desc: desc}
}

func (f *fixture) controller(opts ...Option) *Controller {
	base := []Option{WithWarmup(time.Millisecond, DefaultWarmupSteps), WithMetrics(metrics.New())}
	return NewController(f.handle, f.desc, f.recorder, append(base, opts...)...)
}

func (f *fixture) exists(name string) bool {
	_, err := os.Stat(f.recorder.Layout().Path(name))
	return err == nil
}

func (f *fixture) taskInfo(t *testing.T) *artifacts.TaskInfo {
	t.Helper()
	info, err := artifacts.ReadTaskInfo(f.recorder.Dir())
	require.NoError(t, err)
	return info
}

func TestRunCompletesSession(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	ack := fixedVerdict(Acknowledged)

	var states []State
	c := f.controller(WithAcknowledgers(ack), WithStateListener(func(s State) { states = append(states, s) }))

	sess, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, sess.Outcome)
	assert.Equal(t, StateClosed, sess.State)
	require.NotNil(t, sess.Score)
	assert.Equal(t, 1.0, *sess.Score)
	assert.Equal(t, []State{
		StateReset, StateWarmup, StateInitialCapture, StateRecording, StateAwaitingHuman,
		StateEvaluating, StateFinalCapture, StatePersisted, StateClosed,
	}, states)

	assert.Equal(t, []string{"reset", "observe", "start_recording", "end_recording", "evaluate", "observe"}, f.env.Calls())
	assert.False(t, f.handle.Recording())

	result, err := os.ReadFile(f.recorder.Layout().Path(artifacts.ResultFile))
	require.NoError(t, err)
	assert.Equal(t, "1.00\n", string(result))

	file, err := os.Open(f.recorder.Layout().Path(artifacts.ExecutionLogFile))
	require.NoError(t, err)
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 1)
	var entry artifacts.ExecutionEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, sess.InitialScreenshot, entry.InitialScreenshot)
	assert.Equal(t, sess.FinalScreenshot, entry.FinalScreenshot)
	assert.NotEqual(t, entry.InitialScreenshot, entry.FinalScreenshot)
	assert.True(t, f.exists(entry.InitialScreenshot))
	assert.True(t, f.exists(entry.FinalScreenshot))

	info := f.taskInfo(t)
	assert.Equal(t, sess.ID, info.SessionID)
	assert.Equal(t, f.desc.Instruction, info.Instruction)
	assert.Equal(t, string(OutcomeCompleted), info.Outcome)
	assert.NotEmpty(t, info.FinalTimestamp)
	require.NotNil(t, info.Result)
	assert.JSONEq(t, descriptorJSON, string(info.ExampleConfig))

	assert.True(t, f.exists(artifacts.RecordingFile))
	assert.True(t, f.exists(artifacts.MetricsFile))
}

func TestRunOperatorAbortSkipsEvaluation(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	ack := fixedVerdict(Cancelled)

	sess, err := f.controller(WithAcknowledgers(ack)).Run(context.Background())
	require.NoError(t, err, "operator abort is not an error")

	assert.Equal(t, OutcomeAborted, sess.Outcome)
	assert.Equal(t, StateAborted, sess.State)
	assert.Nil(t, sess.Score)
	assert.False(t, f.env.Called("evaluate"))
	assert.False(t, f.exists(artifacts.ResultFile))
	assert.False(t, f.exists(artifacts.ExecutionLogFile))
	assert.True(t, f.exists(artifacts.RecordingFile), "recording must survive an abort")

	info := f.taskInfo(t)
	assert.Equal(t, string(OutcomeAborted), info.Outcome)
	assert.Nil(t, info.Result)
}

func TestRunSignalDuringWaitIsUserAbort(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)

	sigs := make(chan os.Signal, 2)
	var exitCode atomic.Int32
	exitCode.Store(-1)
	router := shutdown.NewRouter(f.guard,
		shutdown.WithSignalChannel(sigs),
		shutdown.WithExit(func(code int) { exitCode.Store(int32(code)) }),
		shutdown.WithGracePeriod(5*time.Second),
	)
	ctx, stop := router.Install(context.Background())
	defer stop()

	c := f.controller(
		WithAcknowledgers(NewChannelAcknowledger()),
		WithStateListener(func(s State) {
			if s == StateAwaitingHuman {
				sigs <- syscall.SIGINT
			}
		}),
	)

	var sess *Session
	err := router.Run(ctx, func(ctx context.Context) error {
		var err error
		sess, err = c.Run(ctx)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAborted, sess.Outcome)
	assert.False(t, f.env.Called("evaluate"))
	assert.False(t, f.exists(artifacts.ResultFile))
	assert.Equal(t, 1, f.env.Closes())
	assert.Equal(t, int32(-1), exitCode.Load(), "workflow unwound inside the grace period")
}

func TestRunSignalDuringEvaluateIsInterrupted(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	f.env.EvalHook = func(context.Context) {
		cancel(&shutdown.SignalError{Signal: syscall.SIGTERM})
	}
	ack := fixedVerdict(Acknowledged)

	sess, err := f.controller(WithAcknowledgers(ack)).Run(ctx)
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindInterrupted))
	assert.Equal(t, 128+int(syscall.SIGTERM), examerr.ExitCode(err))

	assert.Equal(t, StateAborted, sess.State)
	assert.Equal(t, OutcomeAborted, sess.Outcome)
	assert.True(t, f.env.Called("evaluate"))
	assert.True(t, f.exists(artifacts.TaskInfoFile))
	assert.False(t, f.exists(artifacts.ResultFile))
	assert.False(t, f.exists(artifacts.ExecutionLogFile))
}

func TestWarmupIsCancellable(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	c := f.controller(
		WithWarmup(time.Hour, DefaultWarmupSteps),
		WithStateListener(func(s State) {
			if s == StateWarmup {
				cancel(&shutdown.SignalError{Signal: syscall.SIGINT})
			}
		}),
	)

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 130, examerr.ExitCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("warmup ignored cancellation")
	}
	assert.False(t, f.env.Called("observe"))
	assert.False(t, f.exists(artifacts.TaskInfoFile))
}

func TestRunResetFailure(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	f.env.ResetErr = examerr.New(examerr.KindConfiguration, "setup", "unknown setup step type %q", "teleport")

	sess, err := f.controller().Run(context.Background())
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindConfiguration), "classification from the env is kept")
	assert.Equal(t, OutcomeFailed, sess.Outcome)
	assert.Equal(t, StateReset, sess.State)
	assert.Equal(t, []string{"reset"}, f.env.Calls())
}

func TestRunEvaluationFailureIsUnexpected(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	f.env.EvalErr = os.ErrDeadlineExceeded
	ack := fixedVerdict(Acknowledged)

	sess, err := f.controller(WithAcknowledgers(ack)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindUnexpected))
	assert.Equal(t, 1, examerr.ExitCode(err))
	assert.Equal(t, OutcomeFailed, sess.Outcome)
	assert.False(t, f.exists(artifacts.ResultFile))
}

func TestCaptureStoresAccessibilityTree(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshotA11y)
	f.env.A11y = "<desktop-frame/>"
	ack := fixedVerdict(Acknowledged)

	sess, err := f.controller(
		WithAcknowledgers(ack),
		WithObservationType(desktop.ObservationScreenshotA11y),
	).Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, sess.InitialA11yTree)
	require.NotEmpty(t, sess.FinalA11yTree)
	data, err := os.ReadFile(f.recorder.Layout().Path(sess.InitialA11yTree))
	require.NoError(t, err)
	assert.Equal(t, "<desktop-frame/>", string(data))
	assert.True(t, strings.HasPrefix(sess.InitialA11yTree, "initial_a11y_tree_"))
}

func TestBannerShowsInstructionAndNotices(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	ack := fixedVerdict(Acknowledged)

	var out strings.Builder
	_, err := f.controller(
		WithAcknowledgers(ack),
		WithOutput(&out),
		WithNotice("VNC: http://192.0.2.10:5910/vnc.html"),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out.String(), f.desc.Instruction)
	assert.Contains(t, out.String(), "vnc.html")
}

func TestEarlyRemoteVerdictDoesNotSkipWait(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	remote := NewChannelAcknowledger()

	var earlyAck, earlyAbort atomic.Bool
	acked := make(chan struct{})
	c := f.controller(
		WithAcknowledgers(remote),
		WithStateListener(func(s State) {
			switch s {
			case StateWarmup:
				earlyAck.Store(remote.Ack())
				earlyAbort.Store(remote.Abort())
			case StateAwaitingHuman:
				go func() {
					defer close(acked)
					for !remote.Ack() {
						time.Sleep(5 * time.Millisecond)
					}
				}()
			}
		}),
	)

	sess, err := c.Run(context.Background())
	require.NoError(t, err)
	<-acked

	assert.False(t, earlyAck.Load(), "ack before the wait must be rejected")
	assert.False(t, earlyAbort.Load(), "abort before the wait must be rejected")
	assert.Equal(t, OutcomeCompleted, sess.Outcome)
	assert.True(t, f.env.Called("evaluate"))
}

func TestClosedStdinDoesNotAbortRemoteWait(t *testing.T) {
	f := newFixture(t, desktop.ObservationScreenshot)
	remote := NewChannelAcknowledger()
	console := NewConsoleAcknowledger(strings.NewReader(""), nil)

	c := f.controller(
		WithAcknowledgers(console, remote),
		WithStateListener(func(s State) {
			if s == StateAwaitingHuman {
				go func() {
					time.Sleep(50 * time.Millisecond)
					for !remote.Ack() {
						time.Sleep(5 * time.Millisecond)
					}
				}()
			}
		}),
	)

	sess, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, sess.Outcome)
	require.NotNil(t, sess.Score)
}
