package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "idea-eval",
	Short: "Multi-stage idea evaluation pipeline",
	Long:  "Extracts support files, classifies ideas against a theme taxonomy, scores them against weighted rubrics with pluggable LLM providers, and optionally verifies scores with a second model.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
