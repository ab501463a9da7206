package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/deskexam/pkg/artifacts"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/lifecycle"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-dir>",
	Short: "List the artifacts of a session directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	inv, err := artifacts.Scan(args[0])
	if err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "inspect", err)
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		output, err := json.MarshalIndent(inv, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	if inv.TaskInfo != nil {
		info := tablewriter.NewWriter(out)
		info.Header("Property", "Value")
		info.Append([]string{"Session", inv.TaskInfo.SessionID})
		info.Append([]string{"Task", inv.TaskInfo.Domain + "/" + inv.TaskInfo.ExampleID})
		info.Append([]string{"Instruction", inv.TaskInfo.Instruction})
		info.Append([]string{"Outcome", orDash(inv.TaskInfo.Outcome)})
		info.Render()
		fmt.Fprintln(out)
	}

	if len(inv.Files) == 0 {
		fmt.Fprintln(out, "No artifacts")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("File", "Size", "Modified")
	for _, f := range inv.Files {
		table.Append([]string{f.Name, formatSize(f.Size), f.ModTime.Format("2006-01-02 15:04:05")})
	}
	table.Render()

	status := "incomplete"
	if inv.Complete() {
		status = "complete"
	}
	result := "-"
	if inv.Result != nil {
		result = fmt.Sprintf("%.2f", *inv.Result)
	}
	fmt.Fprintf(out, "\nFiles: %d  Result: %s  Status: %s\n", len(inv.Files), result, status)
	return nil
}

func formatSize(n int64) string {
	switch {
	case n < 1<<10:
		return fmt.Sprintf("%d B", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return lifecycle.FormatBytes(uint64(n))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
