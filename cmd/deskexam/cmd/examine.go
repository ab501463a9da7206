package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/deskexam/internal/config"
	"github.com/psantana5/deskexam/internal/statusapi"
	"github.com/psantana5/deskexam/pkg/artifacts"
	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/desktop/evaluator"
	"github.com/psantana5/deskexam/pkg/desktop/vmware"
	"github.com/psantana5/deskexam/pkg/exam"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/history"
	"github.com/psantana5/deskexam/pkg/lifecycle"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/metrics"
	"github.com/psantana5/deskexam/pkg/shutdown"
	"github.com/psantana5/deskexam/pkg/task"
	"github.com/psantana5/deskexam/pkg/tracing"
)

var examineCmd = &cobra.Command{
	Use:   "examine",
	Short: "Run one manual examination",
	Long: `Provisions the VM from its snapshot, applies the task setup, captures the
initial state and starts recording. A human then performs the task inside the VM
and presses Enter (or POSTs /ack to the status API). The final state is captured,
the task is scored and everything is written to the session directory.`,
	Example: `  deskexam examine --path-to-vm ~/vms/Ubuntu/Ubuntu.vmx --domain chrome --example-id bb5e4c0d`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		keys := map[string]string{
			"path_to_vm":         "path-to-vm",
			"headless":           "headless",
			"snapshot_name":      "snapshot",
			"action_space":       "action-space",
			"observation_type":   "observation-type",
			"screen_width":       "screen-width",
			"screen_height":      "screen-height",
			"result_dir":         "result-dir",
			"log_dir":            "log-dir",
			"warmup_unit":        "warmup-unit",
			"grace_period":       "grace-period",
			"evaluator.command":  "evaluator",
			"status.enabled":     "status",
			"status.addr":        "status-addr",
			"vmware.vmrun_path":  "vmrun",
			"vmware.host_type":   "host-type",
			"history.enabled":    "history",
			"min_free_memory_mb": "min-free-memory-mb",
		}
		for k, v := range taskFlags {
			keys[k] = v
		}
		return bindFlags(cmd, keys)
	},
	RunE: runExamine,
}

func init() {
	rootCmd.AddCommand(examineCmd)

	flags := examineCmd.Flags()
	addTaskFlags(flags)
	flags.String("path-to-vm", "", "path to the VMware .vmx file")
	flags.Bool("headless", false, "run the VM without a GUI (vmrun nogui)")
	flags.String("snapshot", "init_state", "snapshot to revert to before the task")
	flags.String("action-space", "pyautogui", "action space recorded in the result path")
	flags.String("observation-type", "screenshot", "screenshot, a11y_tree, screenshot_a11y_tree or som")
	flags.Int("screen-width", 1920, "screen width")
	flags.Int("screen-height", 1080, "screen height")
	flags.String("result-dir", "./results_manual", "root directory for results")
	flags.String("log-dir", "./logs", "directory for run logs")
	flags.Duration("warmup-unit", time.Second, "duration of one warmup step")
	flags.Duration("grace-period", shutdown.DefaultGracePeriod, "time a signal waits for the workflow before forcing teardown")
	flags.String("evaluator", "", "scoring command; receives the task JSON on stdin")
	flags.Bool("status", false, "serve the status/acknowledge API")
	flags.String("status-addr", "127.0.0.1:8765", "status API listen address")
	flags.String("vmrun", "vmrun", "path to vmrun")
	flags.String("host-type", "", "vmrun host type: ws or fusion (default by platform)")
	flags.Bool("history", true, "record the session in the history index")
	flags.Uint64("min-free-memory-mb", 4096, "warn when the host has less free memory")
}

func runExamine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateExamination(); err != nil {
		return err
	}

	started := time.Now()
	logger, err := logging.NewRunLogger(cfg.LogDir, logging.ParseLevel(cfg.LogLevel), cfg.LogJSON, started)
	if err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "init_logging", err)
	}
	defer logger.Close()

	logger.Info("Starting manual examination", map[string]interface{}{
		"domain":       cfg.Domain,
		"example_id":   cfg.ExampleID,
		"eval_version": cfg.EvalVersion,
		"version":      Version,
	})

	descriptor, err := task.Load(cfg.TestConfigBaseDir, cfg.EvalVersion, cfg.Domain, cfg.ExampleID)
	if err != nil {
		logger.Error("Failed to load task", map[string]interface{}{"error": err.Error()})
		return err
	}

	recorder := artifacts.NewRecorder(artifacts.Layout{
		ResultRoot:      cfg.ResultDir,
		EvalVersion:     cfg.EvalVersion,
		ActionSpace:     cfg.ActionSpace,
		ObservationType: cfg.ObservationType,
		Domain:          cfg.Domain,
		ExampleID:       cfg.ExampleID,
	})
	if err := recorder.Prepare(); err != nil {
		logger.Error("Failed to prepare result directory", map[string]interface{}{"error": err.Error()})
		return err
	}
	if err := logger.AddFile(recorder.RuntimeLogPath(), logging.DEBUG); err != nil {
		logger.Warn("Session runtime log unavailable", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Result directory ready", map[string]interface{}{"dir": recorder.Dir()})

	m := metrics.New()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceVersion = Version
	tp, err := tracing.Init(ctx, tracingCfg, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", map[string]interface{}{"error": err.Error()})
		tp = tracing.Noop()
	}

	provider := vmware.NewProvider(
		vmware.ExecRunner{Path: cfg.VMware.VMRunPath},
		&evaluator.Command{
			Path:    cfg.Evaluator.Command,
			Args:    cfg.Evaluator.Args,
			Timeout: cfg.Evaluator.Timeout,
			Logger:  logger,
		},
		logger,
		vmware.Options{
			HostType:     cfg.VMware.HostType,
			ReadyTimeout: cfg.VMware.ReadyTimeout,
			PollInterval: cfg.VMware.PollInterval,
		},
	)

	guard := lifecycle.NewGuard(provider,
		lifecycle.WithLogger(logger.WithComponent("lifecycle")),
		lifecycle.WithMetrics(m),
		lifecycle.WithImageExtension(".vmx"),
		lifecycle.WithMinFreeMemory(cfg.MinFreeMemoryMB<<20),
	)

	router := shutdown.NewRouter(guard,
		shutdown.WithLogger(logger.WithComponent("shutdown")),
		shutdown.WithMetrics(m),
		shutdown.WithGracePeriod(cfg.GracePeriod),
	)
	router.Register(tp.Shutdown)

	sessionCtx, stop := router.Install(ctx)
	defer stop()

	var sess *exam.Session
	err = router.Run(sessionCtx, func(ctx context.Context) error {
		var runErr error
		sess, runErr = examine(ctx, cmd, cfg, descriptor, recorder, guard, router, m, tp, logger)
		return runErr
	})

	if cfg.History.Enabled && sess != nil {
		recordHistory(cfg, descriptor, sess, err, logger)
	}

	switch {
	case err != nil:
		logger.Error("Examination failed", map[string]interface{}{
			"error":     err.Error(),
			"kind":      string(examerr.KindOf(err)),
			"exit_code": examerr.ExitCode(err),
		})
	case sess != nil && sess.Outcome == exam.OutcomeAborted:
		logger.Info("Examination aborted by operator; no result recorded")
	case sess != nil && sess.Score != nil:
		fmt.Fprintf(cmd.OutOrStdout(), "Result: %.2f\nArtifacts: %s\n", *sess.Score, sess.Dir)
	}
	return err
}

// examine provisions the desktop and runs the controller. It runs inside
// Router.Run, so the environment is released on every return path.
func examine(
	ctx context.Context,
	cmd *cobra.Command,
	cfg *config.Config,
	descriptor *task.Descriptor,
	recorder *artifacts.Recorder,
	guard *lifecycle.Guard,
	router *shutdown.Router,
	m *metrics.Metrics,
	tp *tracing.Provider,
	logger *logging.Logger,
) (*exam.Session, error) {
	handle, err := guard.Acquire(ctx, desktop.ProvisionConfig{
		MachineImagePath: cfg.MachineImagePath,
		SnapshotName:     cfg.SnapshotName,
		Screen:           cfg.Screen(),
		Headless:         cfg.Headless,
		OSType:           cfg.OSType,
		RequireA11yTree:  desktop.RequiresA11yTree(cfg.ObservationType),
		ActionSpace:      cfg.ActionSpace,
	})
	if err != nil {
		return nil, provisionError(ctx, err)
	}

	vncURL := vmware.VNCURL(handle.Address())
	logger.Info("Desktop environment provisioned", map[string]interface{}{
		"address": handle.Address(),
		"vnc":     vncURL,
	})

	remote := exam.NewChannelAcknowledger()
	opts := []exam.Option{
		exam.WithLogger(logger.WithComponent("exam")),
		exam.WithMetrics(m),
		exam.WithTracer(tp),
		exam.WithAcknowledgers(exam.NewConsoleAcknowledger(cmd.InOrStdin(), cmd.OutOrStdout()), remote),
		exam.WithOutput(cmd.OutOrStdout()),
		exam.WithNotice("Remote view: " + vncURL),
		exam.WithWarmup(cfg.WarmupUnit, exam.DefaultWarmupSteps),
		exam.WithObservationType(cfg.ObservationType),
	}
	if host := handle.Host(); host != nil {
		opts = append(opts, exam.WithHostInfo(host))
	}

	if !cfg.Status.Enabled {
		return exam.NewController(handle, descriptor, recorder, opts...).Run(ctx)
	}

	opts = append(opts, exam.WithNotice(fmt.Sprintf("Or acknowledge with: curl -X POST %s/ack", statusURL(cfg))))
	controller := exam.NewController(handle, descriptor, recorder, opts...)

	handler := statusapi.NewHandler(controller, remote, m, logger)
	handler.SetVNCURL(vncURL)
	srv, err := startStatusServer(cfg, handler, logger)
	if err != nil {
		return nil, examerr.Wrap(examerr.KindConfiguration, "start_status_api", err)
	}
	router.Register(srv.Shutdown)

	return controller.Run(ctx)
}

// provisionError reports a provisioning failure as an interruption when a
// signal cancelled the session, whichever provisioning step it broke.
func provisionError(ctx context.Context, err error) error {
	if se, ok := shutdown.SignalFrom(ctx); ok {
		return examerr.Interrupted("provision", se.Signo())
	}
	return err
}

func statusURL(cfg *config.Config) string {
	if cfg.Status.TLS.Enabled {
		return "https://" + cfg.Status.Addr
	}
	return "http://" + cfg.Status.Addr
}

func startStatusServer(cfg *config.Config, handler *statusapi.Handler, logger *logging.Logger) (*statusapi.Server, error) {
	tlsCfg := cfg.Status.TLS
	if !tlsCfg.Enabled {
		return statusapi.Start(cfg.Status.Addr, handler, nil, logger)
	}

	host, _, err := net.SplitHostPort(cfg.Status.Addr)
	if err != nil {
		return nil, err
	}
	created, err := statusapi.EnsureCertificate(tlsCfg.Cert, tlsCfg.Key, host, "localhost")
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("Generated self-signed status API certificate", map[string]interface{}{"cert": tlsCfg.Cert})
	}
	serverTLS, err := statusapi.LoadServerTLS(tlsCfg)
	if err != nil {
		return nil, err
	}
	return statusapi.Start(cfg.Status.Addr, handler, serverTLS, logger)
}

func recordHistory(cfg *config.Config, descriptor *task.Descriptor, sess *exam.Session, runErr error, logger *logging.Logger) {
	store, err := history.NewStore(cfg.History.Config)
	if err != nil {
		logger.Warn("History index unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	defer store.Close()

	rec := &history.Record{
		SessionID:   sess.ID,
		Domain:      sess.Domain,
		ExampleID:   sess.ExampleID,
		EvalVersion: descriptor.EvalVersion,
		Outcome:     string(sess.Outcome),
		Score:       sess.Score,
		ResultDir:   sess.Dir,
		VMAddress:   sess.VMAddress,
		ExitCode:    examerr.ExitCode(runErr),
		StartedAt:   sess.StartedAt,
		EndedAt:     sess.EndedAt,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Record(ctx, rec); err != nil {
		logger.Warn("Failed to record session history", map[string]interface{}{"error": err.Error()})
	}
}
