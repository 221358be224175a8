package main

import (
	"os"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <execution-id>",
	Short: "Start a new execution from a failed one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		exec, runErr := env.Engine.Retry(ctx, args[0])
		if exec != nil {
			if err := printJSON(os.Stdout, exec); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
