package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/idea-eval/internal/model"
)

var rerunCmd = &cobra.Command{
	Use:   "rerun <idea-id>",
	Short: "Re-run one stage of an idea",
	Long:  "Resets the stage and every stage downstream of it, then runs the stage against the currently active configuration. Without --force only failed or pending stages are re-run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stageName, _ := cmd.Flags().GetString("stage")
		stage, ok := model.ParseStage(stageName)
		if !ok {
			return eris.Errorf("unknown stage %q", stageName)
		}
		force, _ := cmd.Flags().GetBool("force")

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Rerun(ctx, args[0], stage, force)
		if err != nil {
			return eris.Wrap(err, "rerun")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rerunCmd.Flags().String("stage", "", "stage to re-run (extraction, classification, evaluation, verification)")
	rerunCmd.Flags().Bool("force", false, "re-run even if the stage completed")
	_ = rerunCmd.MarkFlagRequired("stage")
	rootCmd.AddCommand(rerunCmd)
}
