package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/workflow"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Start one durable workflow per pending idea",
	Long:  "Resolves the active model configurations once and starts an IdeaWorkflow for every idea with unfinished stages. Ideas whose workflow is already running are counted and left alone.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		opts := workflow.EnqueueOptions{StageTimeoutSecs: cfg.Temporal.StageTimeoutSecs}
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.Verify = cfg.Pipeline.Verify
		if cmd.Flags().Changed("verify") {
			opts.Verify, _ = cmd.Flags().GetBool("verify")
		}
		opts.RetryFailed = cfg.Pipeline.RetryFailed
		if cmd.Flags().Changed("retry-failed") {
			opts.RetryFailed, _ = cmd.Flags().GetBool("retry-failed")
		}

		res, err := workflow.Enqueue(ctx, c, env.Orchestrator, opts)
		if err != nil {
			return err
		}
		zap.L().Info("enqueue complete",
			zap.Int("started", res.Started),
			zap.Int("already_running", res.AlreadyRunning),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	enqueueCmd.Flags().Int("limit", 0, "max ideas to enqueue (0 = store default)")
	enqueueCmd.Flags().Bool("verify", false, "include the verification stage")
	enqueueCmd.Flags().Bool("retry-failed", false, "retry stages that previously failed")
	rootCmd.AddCommand(enqueueCmd)
}
