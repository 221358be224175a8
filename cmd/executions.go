package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rulesmith/internal/cost"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/store"
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Inspect workflow executions",
	Long:    "Commands for listing, viewing, and summarizing workflow executions.",
}

// -- executions list --

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		docID, _ := cmd.Flags().GetString("document")
		limit, _ := cmd.Flags().GetInt("limit")

		execs, err := st.ListExecutions(ctx, store.ExecutionFilter{
			Status:     model.ExecutionStatus(status),
			DocumentID: docID,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "executions list")
		}

		if len(execs) == 0 {
			fmt.Fprintln(os.Stderr, "No executions found.")
			return nil
		}

		formatExecutionsList(os.Stdout, execs)
		return nil
	},
}

// -- executions show --

var executionsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show full details of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exec, err := st.GetExecution(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "executions show")
		}
		return printJSON(os.Stdout, exec)
	},
}

// -- executions stats --

var executionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate execution statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		execs, err := st.ListExecutions(ctx, store.ExecutionFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "executions stats")
		}

		since, _ := cmd.Flags().GetDuration("since")
		if since > 0 {
			cutoff := time.Now().Add(-since)
			kept := execs[:0]
			for _, e := range execs {
				if e.CreatedAt.After(cutoff) {
					kept = append(kept, e)
				}
			}
			execs = kept
		}

		formatExecutionStats(os.Stdout, computeExecutionStats(execs, cost.NewCalculator(cfg.Pricing...)))
		return nil
	},
}

func init() {
	executionsListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed)")
	executionsListCmd.Flags().String("document", "", "filter by document ID")
	executionsListCmd.Flags().Int("limit", 50, "max number of executions to display")

	executionsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsShowCmd)
	executionsCmd.AddCommand(executionsStatsCmd)
	rootCmd.AddCommand(executionsCmd)
}

// executionStats holds aggregate statistics computed from a set of executions.
type executionStats struct {
	Total        int
	Completed    int
	Failed       int
	Transient    int
	Permanent    int
	Other        int
	Terminations map[model.TerminationReason]int
	QueuedRules  int
	AvgDurSecs   float64
	Tokens       int
	CostUSD      float64
	Unpriced     int
}

func computeExecutionStats(execs []model.Execution, calc *cost.Calculator) executionStats {
	s := executionStats{Total: len(execs), Terminations: make(map[model.TerminationReason]int)}

	var totalDur time.Duration
	var durCount int

	unpriced := make(map[string]bool)
	for _, e := range execs {
		b := calc.Execution(e)
		s.CostUSD += b.Total
		for _, a := range b.Unpriced {
			unpriced[a] = true
		}
		for _, u := range e.Results.Usage {
			s.Tokens += u.TotalTokens
		}

		switch e.Status {
		case model.ExecutionCompleted:
			s.Completed++
			if e.TerminationReason != "" {
				s.Terminations[e.TerminationReason]++
			}
			s.QueuedRules += len(e.Results.QueuedRuleIDs)
			if e.StartedAt != nil && e.CompletedAt != nil {
				totalDur += e.CompletedAt.Sub(*e.StartedAt)
				durCount++
			}
		case model.ExecutionFailed:
			s.Failed++
			switch e.ErrorType {
			case "transient":
				s.Transient++
			case "permanent":
				s.Permanent++
			}
		default:
			s.Other++
		}
	}

	s.Unpriced = len(unpriced)
	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatExecutionsList writes a tabular list of executions to w.
func formatExecutionsList(out io.Writer, execs []model.Execution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tSTEP\tREASON\tQUEUED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t----\t------\t------\t-------\t--------")

	for _, e := range execs {
		dur := ""
		if e.StartedAt != nil && e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(*e.StartedAt).Round(time.Second).String()
		}
		reason := string(e.TerminationReason)
		if e.Status == model.ExecutionFailed && e.ErrorType != "" {
			reason = "error:" + e.ErrorType
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(e.ID),
			truncateID(e.DocumentID),
			e.Status,
			e.CurrentStep,
			reason,
			len(e.Results.QueuedRuleIDs),
			e.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatExecutionStats writes aggregate stats to w.
func formatExecutionStats(out io.Writer, s executionStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total executions:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)

	reasons := make([]string, 0, len(s.Terminations))
	for r := range s.Terminations {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", r, s.Terminations[model.TerminationReason(r)])
	}

	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  Transient:\t%d\n", s.Transient)
	_, _ = fmt.Fprintf(w, "  Permanent:\t%d\n", s.Permanent)
	_, _ = fmt.Fprintf(w, "Other:\t%d\n", s.Other)
	_, _ = fmt.Fprintf(w, "Rules queued:\t%d\n", s.QueuedRules)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_, _ = fmt.Fprintf(w, "Tokens:\t%d\n", s.Tokens)
	if s.Unpriced > 0 {
		_, _ = fmt.Fprintf(w, "Est. LLM cost:\t$%.4f (%d agents unpriced)\n", s.CostUSD, s.Unpriced)
	} else {
		_, _ = fmt.Fprintf(w, "Est. LLM cost:\t$%.4f\n", s.CostUSD)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
