package vmware

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/task"
)

func validateSteps(steps []task.Step) error {
	for i, s := range steps {
		if !s.Known() {
			return examerr.New(examerr.KindConfiguration, "reset",
				"config[%d]: unknown setup step type %q", i, s.Type)
		}
	}
	return nil
}

// applySteps runs setup steps in order against the guest
func applySteps(ctx context.Context, client *Client, steps []task.Step, logger *logging.Logger) error {
	for i, s := range steps {
		logger.Debug("Applying setup step", map[string]interface{}{"index": i, "type": string(s.Type)})
		if err := applyStep(ctx, client, s); err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, s.Type, err)
		}
	}
	return nil
}

func applyStep(ctx context.Context, client *Client, s task.Step) error {
	switch s.Type {
	case task.StepSleep:
		d, err := s.Duration()
		if err != nil {
			return examerr.Wrap(examerr.KindConfiguration, "reset", err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case task.StepExecute, task.StepCommand:
		argv, err := s.Command()
		if err != nil {
			return examerr.Wrap(examerr.KindConfiguration, "reset", err)
		}
		res, err := client.Execute(ctx, argv, s.Shell())
		if err != nil {
			return err
		}
		if res.Status != "" && res.Status != "success" {
			return fmt.Errorf("command %v failed: %s", argv, res.Error)
		}
		return nil

	case task.StepLaunch:
		argv, err := s.Command()
		if err != nil {
			return examerr.Wrap(examerr.KindConfiguration, "reset", err)
		}
		return client.Launch(ctx, argv, s.Shell())

	case task.StepOpen:
		path, err := s.Param("path")
		if err != nil {
			return examerr.Wrap(examerr.KindConfiguration, "reset", err)
		}
		return client.OpenFile(ctx, path)

	case task.StepActivateWindow:
		name, err := s.Param("window_name")
		if err != nil {
			return examerr.Wrap(examerr.KindConfiguration, "reset", err)
		}
		strict, _ := s.Parameters["strict"].(bool)
		byClass, _ := s.Parameters["by_class"].(bool)
		return client.ActivateWindow(ctx, name, strict, byClass)

	default:
		return examerr.New(examerr.KindConfiguration, "reset", "unknown setup step type %q", s.Type)
	}
}
