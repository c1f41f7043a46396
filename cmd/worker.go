package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for idea workflows",
	Long:  "Polls the idea-eval task queue and executes IdeaWorkflow and its stage activities against the configured store and model providers.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

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

		w := worker.New(c, workflow.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Temporal.MaxConcurrent,
		})
		workflow.Register(w, workflow.NewActivities(env.Orchestrator))

		zap.L().Info("starting worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("namespace", cfg.Temporal.Namespace),
			zap.String("task_queue", workflow.TaskQueue),
		)
		if err := w.Run(interruptOn(ctx)); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

// dialTemporal connects to the configured Temporal frontend.
func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    workflow.NewLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dial temporal %s", cfg.Temporal.HostPort)
	}
	return c, nil
}

// interruptOn adapts ctx cancellation to the channel worker.Run waits on.
func interruptOn(ctx context.Context) <-chan interface{} {
	ch := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
