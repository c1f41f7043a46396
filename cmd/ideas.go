package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/idea-eval/internal/api"
	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/store"
)

var ideasCmd = &cobra.Command{
	Use:   "ideas",
	Short: "Inspect idea pipeline status",
}

// -- ideas list --

var ideasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ideas with their stage statuses",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		stageName, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.IdeaFilter{Limit: limit}
		if stageName != "" {
			stage, ok := model.ParseStage(stageName)
			if !ok {
				return eris.Errorf("unknown stage %q", stageName)
			}
			filter.Stages = []model.Stage{stage}
		}
		if status != "" {
			filter.Statuses = []model.StageStatus{model.StageStatus(status)}
			if len(filter.Stages) == 0 {
				filter.Stages = model.Stages
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ideas, err := st.ListIdeas(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "ideas list")
		}
		if len(ideas) == 0 {
			fmt.Fprintln(os.Stderr, "No ideas found.")
			return nil
		}

		formatIdeasList(os.Stdout, ideas)
		return nil
	},
}

// -- ideas show --

var ideasShowCmd = &cobra.Command{
	Use:   "show <idea-id>",
	Short: "Show the pipeline status of one idea",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		idea, err := st.LoadIdea(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ideas show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.NewIdeaStatus(idea))
	},
}

// formatIdeasList writes one row per idea with each stage status and the
// score when evaluated.
func formatIdeasList(out io.Writer, ideas []model.Idea) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tSTATE\tEXTRACT\tCLASSIFY\tEVALUATE\tVERIFY\tSCORE\tREC")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t-------\t--------\t--------\t------\t-----\t---")

	for i := range ideas {
		idea := &ideas[i]
		title := idea.Title
		if len(title) > 30 {
			title = title[:27] + "..."
		}
		score := "-"
		if idea.WeightedTotalScore != nil {
			score = fmt.Sprintf("%.2f", *idea.WeightedTotalScore)
		}
		rec := string(idea.InvestmentRecommendation)
		if rec == "" {
			rec = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(idea.ID),
			title,
			idea.State,
			idea.Status(model.StageExtraction),
			idea.Status(model.StageClassification),
			idea.Status(model.StageEvaluation),
			idea.Status(model.StageVerification),
			score,
			rec,
		)
	}
	_ = w.Flush()
}

func init() {
	ideasListCmd.Flags().String("stage", "", "filter by stage (extraction, classification, evaluation, verification)")
	ideasListCmd.Flags().String("status", "", "filter by stage status (pending, in_progress, completed, failed, skipped)")
	ideasListCmd.Flags().Int("limit", 50, "max number of ideas to display")

	ideasCmd.AddCommand(ideasListCmd)
	ideasCmd.AddCommand(ideasShowCmd)
	rootCmd.AddCommand(ideasCmd)
}
