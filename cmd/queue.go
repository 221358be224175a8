package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect rules queued for review",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		execID, _ := cmd.Flags().GetString("execution")
		limit, _ := cmd.Flags().GetInt("limit")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		entries, err := st.ListQueue(ctx, store.QueueFilter{
			Status:      model.QueueStatus(status),
			ExecutionID: execID,
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "queue list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Queue is empty.")
			return nil
		}

		if asYAML {
			for _, e := range entries {
				fmt.Fprintf(os.Stdout, "---\n%s", e.RuleYAML)
			}
			return nil
		}
		formatQueueList(os.Stdout, entries)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by review status (pending, approved, rejected)")
	queueListCmd.Flags().String("execution", "", "filter by execution ID")
	queueListCmd.Flags().Int("limit", 50, "max number of entries to display")
	queueListCmd.Flags().Bool("yaml", false, "print the rules as a YAML stream")

	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(queueCmd)
}

// formatQueueList writes a tabular list of queued rules to w.
func formatQueueList(out io.Writer, entries []model.QueueEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEXECUTION\tSTATUS\tLEVEL\tMAX_SIM\tTITLE")
	_, _ = fmt.Fprintln(w, "--\t---------\t------\t-----\t-------\t-----")
	for _, e := range entries {
		title := e.Rule.Title
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			truncateID(e.ID),
			truncateID(e.ExecutionID),
			e.Status,
			e.Rule.Level,
			e.MaxSimilarity,
			title,
		)
	}
	_ = w.Flush()
}
