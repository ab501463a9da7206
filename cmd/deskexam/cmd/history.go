package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/history"
)

var (
	historyDomain  string
	historyOutcome string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past examination sessions",
	Long:  `Lists sessions from the history index (SQLite by default, PostgreSQL when history.type is postgres).`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"history.type": "db-type",
			"history.dsn":  "dsn",
		})
	},
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session from the history index",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"history.type": "db-type",
			"history.dsn":  "dsn",
		})
	},
	RunE: runHistoryShow,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)

	historyCmd.PersistentFlags().String("db-type", "sqlite", "history database: sqlite or postgres")
	historyCmd.PersistentFlags().String("dsn", "./results_manual/history.db", "SQLite path or PostgreSQL connection string")
	historyCmd.Flags().StringVar(&historyDomain, "domain", "", "only sessions of this domain")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "only sessions with this outcome: completed, aborted, failed")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of sessions")
}

func openHistory() (history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := history.NewStore(cfg.History.Config)
	if err != nil {
		return nil, examerr.Wrap(examerr.KindConfiguration, "open_history", err)
	}
	return store, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := store.List(ctx, history.Filter{
		Domain:  historyDomain,
		Outcome: historyOutcome,
		Limit:   historyLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		output, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No sessions recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Session", "Task", "Outcome", "Score", "Started", "Duration")
	for _, r := range records {
		table.Append([]string{
			shortID(r.SessionID),
			r.Domain + "/" + r.ExampleID,
			r.Outcome,
			formatScore(r.Score),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r.StartedAt, r.EndedAt),
		})
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal sessions: %d\n", len(records))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		output, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append([]string{"Session", r.SessionID})
	table.Append([]string{"Task", r.Domain + "/" + r.ExampleID})
	table.Append([]string{"Eval version", r.EvalVersion})
	table.Append([]string{"Outcome", r.Outcome})
	table.Append([]string{"Score", formatScore(r.Score)})
	table.Append([]string{"Exit code", fmt.Sprint(r.ExitCode)})
	table.Append([]string{"Result dir", r.ResultDir})
	table.Append([]string{"VM address", orDash(r.VMAddress)})
	table.Append([]string{"Started", r.StartedAt.Local().Format(time.RFC3339)})
	table.Append([]string{"Duration", formatDuration(r.StartedAt, r.EndedAt)})
	if r.Error != "" {
		table.Append([]string{"Error", r.Error})
	}
	table.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *score)
}

func formatDuration(start, end time.Time) string {
	if end.IsZero() || end.Before(start) {
		return "-"
	}
	return end.Sub(start).Round(time.Second).String()
}
