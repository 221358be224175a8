package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/rulesmith/internal/llm"
)

var (
	probeProvider string
	probeModel    string
	probeRequired int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Discover a model's context window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		chat := llm.New(cfg.LLMClientConfig())
		info, err := llm.NewContextDiscoverer(chat).Discover(cmd.Context(), probeProvider, probeModel, probeRequired)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, map[string]any{
			"provider": probeProvider,
			"model":    probeModel,
			"tokens":   info.Tokens,
			"method":   info.Method,
		})
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeProvider, "provider", "local", "provider (local, openai, anthropic)")
	probeCmd.Flags().StringVar(&probeModel, "model", "", "model identifier (required)")
	probeCmd.Flags().IntVar(&probeRequired, "required", 0, "minimum context window (default: llm.min_context_window)")
	_ = probeCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(probeCmd)
}
