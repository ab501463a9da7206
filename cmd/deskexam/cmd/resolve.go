package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/deskexam/pkg/artifacts"
	"github.com/psantana5/deskexam/pkg/task"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the task descriptor and result directory for a task",
	Long: `Loads the task descriptor for --domain/--example-id and prints its instruction,
setup steps and the session directory an examination would write to. Nothing is
provisioned.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		keys := map[string]string{
			"result_dir":       "result-dir",
			"action_space":     "action-space",
			"observation_type": "observation-type",
		}
		for k, v := range taskFlags {
			keys[k] = v
		}
		return bindFlags(cmd, keys)
	},
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	flags := resolveCmd.Flags()
	addTaskFlags(flags)
	flags.String("result-dir", "./results_manual", "root directory for results")
	flags.String("action-space", "pyautogui", "action space recorded in the result path")
	flags.String("observation-type", "screenshot", "observation type recorded in the result path")
}

type resolveResult struct {
	Descriptor  string      `json:"descriptor"`
	Domain      string      `json:"domain"`
	ExampleID   string      `json:"example_id"`
	EvalVersion string      `json:"eval_version"`
	Instruction string      `json:"instruction"`
	Steps       []task.Step `json:"steps"`
	SessionDir  string      `json:"session_dir"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	descriptor, err := task.Load(cfg.TestConfigBaseDir, cfg.EvalVersion, cfg.Domain, cfg.ExampleID)
	if err != nil {
		return err
	}

	layout := artifacts.Layout{
		ResultRoot:      cfg.ResultDir,
		EvalVersion:     cfg.EvalVersion,
		ActionSpace:     cfg.ActionSpace,
		ObservationType: cfg.ObservationType,
		Domain:          descriptor.Domain,
		ExampleID:       descriptor.ExampleID,
	}
	result := resolveResult{
		Descriptor:  descriptor.Path,
		Domain:      descriptor.Domain,
		ExampleID:   descriptor.ExampleID,
		EvalVersion: descriptor.EvalVersion,
		Instruction: descriptor.Instruction,
		Steps:       descriptor.Steps(),
		SessionDir:  layout.Dir(),
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append([]string{"Descriptor", result.Descriptor})
	table.Append([]string{"Domain", result.Domain})
	table.Append([]string{"Example", result.ExampleID})
	table.Append([]string{"Eval version", result.EvalVersion})
	table.Append([]string{"Instruction", result.Instruction})
	table.Append([]string{"Session dir", result.SessionDir})
	table.Render()

	if len(result.Steps) == 0 {
		fmt.Fprintln(out, "\nNo setup steps")
		return nil
	}

	fmt.Fprintln(out, "\nSetup steps:")
	steps := tablewriter.NewWriter(out)
	steps.Header("#", "Type", "Parameters")
	for i, step := range result.Steps {
		steps.Append([]string{fmt.Sprint(i + 1), string(step.Type), formatParams(step.Parameters)})
	}
	steps.Render()
	return nil
}

func formatParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return "-"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	s := string(data)
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return strings.TrimSpace(s)
}
