package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every idea with unfinished stages",
	Long:  "Resolves the active model configurations once, then drives each pending idea through extraction, classification, evaluation and optional verification with a bounded worker pool.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := runOptionsFromFlags(cmd)
		zap.L().Info("starting run",
			zap.Int("limit", opts.Limit),
			zap.Int("workers", opts.Workers),
			zap.Bool("verify", opts.Verify),
			zap.Bool("retry_failed", opts.RetryFailed),
		)

		run, err := env.Orchestrator.Run(ctx, opts)
		if run != nil {
			formatRunSummary(os.Stdout, run)
		}
		return err
	},
}

// runOptionsFromFlags starts from the pipeline config section and applies
// any flags the user set explicitly.
func runOptionsFromFlags(cmd *cobra.Command) pipeline.RunOptions {
	opts := pipeline.RunOptions{
		Workers:     cfg.Pipeline.Workers,
		Verify:      cfg.Pipeline.Verify,
		RetryFailed: cfg.Pipeline.RetryFailed,
	}
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	if cmd.Flags().Changed("workers") {
		opts.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("verify") {
		opts.Verify, _ = cmd.Flags().GetBool("verify")
	}
	if cmd.Flags().Changed("retry-failed") {
		opts.RetryFailed, _ = cmd.Flags().GetBool("retry-failed")
	}
	return opts
}

// formatRunSummary writes the per-stage counts of a run to w.
func formatRunSummary(out io.Writer, run *model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	_, _ = fmt.Fprintf(w, "Ideas:\t%d\n", run.Summary.Ideas)
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", run.Error)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "STAGE\tPROCESSED\tSUCCEEDED\tFAILED\tSKIPPED")
	for _, stage := range model.Stages {
		c := run.Summary.Stages[stage]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", stage, c.Processed, c.Succeeded, c.Failed, c.Skipped)
	}
	_ = w.Flush()
}

// addRunFlags registers the batch run flags on c.
func addRunFlags(c *cobra.Command) {
	c.Flags().Int("limit", 0, "max ideas to process (0 = store default)")
	c.Flags().Int("workers", 0, "ideas processed concurrently (default from config)")
	c.Flags().Bool("verify", false, "run the verification stage when a verification config is active")
	c.Flags().Bool("retry-failed", false, "re-run stages that previously failed")
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
