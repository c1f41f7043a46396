package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/idea-eval/internal/evaluate"
	"github.com/sells-group/idea-eval/internal/model"
)

var rubricsCmd = &cobra.Command{
	Use:   "rubrics",
	Short: "Inspect and seed scoring rubrics",
}

// -- rubrics list --

var rubricsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rubrics and report the active weight total",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rubrics, err := st.ListRubrics(ctx)
		if err != nil {
			return eris.Wrap(err, "rubrics list")
		}
		if len(rubrics) == 0 {
			fmt.Fprintln(os.Stderr, "No rubrics found. Seed them with `idea-eval rubrics seed`.")
			return nil
		}

		formatRubricsList(os.Stdout, rubrics)
		return nil
	},
}

// -- rubrics seed --

var rubricsSeedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Upsert rubrics from a YAML file",
	Long:  "Reads rubric definitions from a YAML file (default rubrics.seed_path) and upserts them by id. Rubrics missing from the file are left unchanged.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		path := cfg.Rubrics.SeedPath
		if len(args) == 1 {
			path = args[0]
		}
		rubrics, err := loadRubricFile(path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertRubrics(ctx, rubrics)
		if err != nil {
			return eris.Wrap(err, "rubrics seed")
		}
		zap.L().Info("seeded rubrics", zap.String("path", path), zap.Int64("upserted", n))

		if w := evaluate.WeightWarning(evaluate.ActiveRubrics(rubrics)); w != nil {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w.Message)
		}
		fmt.Fprintf(os.Stdout, "Upserted %d rubrics from %s\n", n, path)
		return nil
	},
}

// rubricFile is the on-disk seed format.
type rubricFile struct {
	Rubrics []rubricEntry `yaml:"rubrics"`
}

// rubricEntry mirrors model.Rubric with is_active defaulting to true.
type rubricEntry struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	Guidance     string  `yaml:"guidance"`
	ScaleMin     float64 `yaml:"scale_min"`
	ScaleMax     float64 `yaml:"scale_max"`
	Weight       float64 `yaml:"weight"`
	IsActive     *bool   `yaml:"is_active"`
	DisplayOrder int     `yaml:"display_order"`
}

// loadRubricFile parses and validates a rubric seed file.
func loadRubricFile(path string) ([]model.Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read rubric file %s", path)
	}
	return parseRubrics(data)
}

func parseRubrics(data []byte) ([]model.Rubric, error) {
	var f rubricFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "parse rubric file")
	}
	if len(f.Rubrics) == 0 {
		return nil, eris.New("rubric file defines no rubrics")
	}

	seen := make(map[string]bool, len(f.Rubrics))
	out := make([]model.Rubric, 0, len(f.Rubrics))
	for i, e := range f.Rubrics {
		if e.ID == "" || e.Name == "" {
			return nil, eris.Errorf("rubric %d: id and name are required", i)
		}
		if seen[e.ID] {
			return nil, eris.Errorf("rubric %s: duplicate id", e.ID)
		}
		seen[e.ID] = true
		if e.ScaleMax <= e.ScaleMin {
			return nil, eris.Errorf("rubric %s: scale_max %g must exceed scale_min %g", e.ID, e.ScaleMax, e.ScaleMin)
		}
		if e.Weight < 0 || e.Weight > 100 {
			return nil, eris.Errorf("rubric %s: weight %g must be 0-100", e.ID, e.Weight)
		}

		active := true
		if e.IsActive != nil {
			active = *e.IsActive
		}
		order := e.DisplayOrder
		if order == 0 {
			order = i + 1
		}
		out = append(out, model.Rubric{
			ID:           e.ID,
			Name:         e.Name,
			Description:  e.Description,
			Guidance:     e.Guidance,
			ScaleMin:     e.ScaleMin,
			ScaleMax:     e.ScaleMax,
			Weight:       e.Weight,
			IsActive:     active,
			DisplayOrder: order,
		})
	}
	return out, nil
}

// formatRubricsList writes a table of rubrics followed by the active
// weight total to w.
func formatRubricsList(out io.Writer, rubrics []model.Rubric) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ORDER\tID\tNAME\tSCALE\tWEIGHT\tACTIVE")
	_, _ = fmt.Fprintln(w, "-----\t--\t----\t-----\t------\t------")
	for _, r := range rubrics {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%g-%g\t%g\t%t\n",
			r.DisplayOrder, r.ID, r.Name, r.ScaleMin, r.ScaleMax, r.Weight, r.IsActive)
	}
	_ = w.Flush()

	active := evaluate.ActiveRubrics(rubrics)
	_, _ = fmt.Fprintf(out, "\nActive weight total: %g\n", model.TotalWeight(active))
	if warn := evaluate.WeightWarning(active); warn != nil {
		_, _ = fmt.Fprintf(out, "WARNING: %s\n", warn.Message)
	}
}

func init() {
	rubricsCmd.AddCommand(rubricsListCmd)
	rubricsCmd.AddCommand(rubricsSeedCmd)
	rootCmd.AddCommand(rubricsCmd)
}
