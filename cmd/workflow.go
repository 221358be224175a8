package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rulesmith/internal/config"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and version workflow configs",
}

var workflowShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a workflow config as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		version, _ := cmd.Flags().GetInt("version")
		wf, err := resolveWorkflow(ctx, st, version)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(wf); err != nil {
			return eris.Wrap(err, "encode workflow config")
		}
		return enc.Close()
	},
}

var workflowApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Store a workflow file as a new config version",
	Long:  "Merges the file over the active config (or the built-in defaults) and stores the result as a new version. Existing versions are never modified.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		file, _ := cmd.Flags().GetString("file")
		inactive, _ := cmd.Flags().GetBool("inactive")

		base, err := resolveWorkflow(ctx, st, 0)
		if err != nil {
			return err
		}
		next, err := config.LoadWorkflowFile(fsys, file, *base)
		if err != nil {
			return err
		}
		next.Version = 0

		created, err := st.CreateWorkflowConfig(ctx, next, !inactive)
		if err != nil {
			return eris.Wrap(err, "store workflow config")
		}
		zap.L().Info("workflow config stored",
			zap.Int("version", created.Version),
			zap.Bool("active", created.IsActive),
		)
		return printJSON(os.Stdout, map[string]any{
			"version": created.Version,
			"active":  created.IsActive,
		})
	},
}

func init() {
	workflowShowCmd.Flags().Int("version", 0, "config version (default: active)")
	workflowApplyCmd.Flags().String("file", "", "workflow YAML file (required)")
	workflowApplyCmd.Flags().Bool("inactive", false, "store without activating")
	_ = workflowApplyCmd.MarkFlagRequired("file")

	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowApplyCmd)
	rootCmd.AddCommand(workflowCmd)
}
