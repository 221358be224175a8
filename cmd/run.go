package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/fetcher"
	"github.com/sells-group/rulesmith/internal/model"
)

var (
	runFile          string
	runTitle         string
	runURL           string
	runConfigVersion int
	runEvalAgent     string
	runStopAfter     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow against one document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		input, err := loadDocument(ctx, newFetcher(cfg.Fetch), runFile, runURL, runTitle)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		wf, err := resolveWorkflow(ctx, env.Store, runConfigVersion)
		if err != nil {
			return err
		}
		runCfg, err := applyEvalFlags(*wf, runEvalAgent, runStopAfter)
		if err != nil {
			return err
		}

		doc, err := env.Store.CreateDocument(ctx, input)
		if err != nil {
			return eris.Wrap(err, "store document")
		}

		exec, runErr := env.Engine.Run(ctx, doc, runCfg)
		if exec != nil {
			zap.L().Info("workflow run finished",
				zap.String("execution_id", exec.ID),
				zap.String("status", string(exec.Status)),
				zap.String("termination_reason", string(exec.TerminationReason)),
				zap.Int("queued_rules", len(exec.Results.QueuedRuleIDs)),
			)
			if err := printJSON(os.Stdout, exec); err != nil {
				return err
			}
		}
		return runErr
	},
}

// loadDocument reads the document from path when given, otherwise fetches
// rawURL. A given URL is kept as the document's source either way.
func loadDocument(ctx context.Context, f fetcher.Fetcher, path, rawURL, title string) (model.Document, error) {
	switch {
	case path != "":
		content, err := afero.ReadFile(fsys, path)
		if err != nil {
			return model.Document{}, eris.Wrapf(err, "read document %s", path)
		}
		return model.Document{
			Title:   documentTitle(title, path),
			URL:     rawURL,
			Content: string(content),
		}, nil
	case rawURL != "":
		page, err := f.Fetch(ctx, rawURL)
		if err != nil {
			return model.Document{}, err
		}
		zap.L().Info("document fetched",
			zap.String("url", rawURL),
			zap.String("source", page.Source),
			zap.Int("chars", len(page.Text)),
		)
		if strings.TrimSpace(title) == "" {
			title = page.Title
		}
		if strings.TrimSpace(title) == "" {
			title = rawURL
		}
		return model.Document{Title: title, URL: rawURL, Content: page.Text}, nil
	default:
		return model.Document{}, eris.New("one of --file or --url is required")
	}
}

// applyEvalFlags copies wf with the per-run evaluation settings applied.
func applyEvalFlags(wf model.WorkflowConfig, evalAgent string, stopAfterExtract bool) (model.WorkflowConfig, error) {
	out := wf.Clone()
	if evalAgent != "" {
		sa, err := model.ParseSubAgent(evalAgent)
		if err != nil {
			return out, err
		}
		out.EvalSubAgent = sa
	}
	if stopAfterExtract {
		out.StopAfterExtract = true
	}
	return out, nil
}

func documentTitle(title, path string) string {
	if strings.TrimSpace(title) != "" {
		return title
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "document to process")
	runCmd.Flags().StringVar(&runTitle, "title", "", "document title (default: file name)")
	runCmd.Flags().StringVar(&runURL, "url", "", "source URL of the document; fetched when --file is not given")
	runCmd.Flags().IntVar(&runConfigVersion, "config-version", 0, "workflow config version (default: active)")
	runCmd.Flags().StringVar(&runEvalAgent, "eval-agent", "", "run only this extraction sub-agent (cmdline, process_lineage, hunt_queries, registry)")
	runCmd.Flags().BoolVar(&runStopAfter, "stop-after-extract", false, "stop after the extract stage")
	rootCmd.AddCommand(runCmd)
}
