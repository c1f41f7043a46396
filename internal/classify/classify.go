// Package classify assigns an idea a primary theme, secondary themes, an
// industry and a technology list from a fixed taxonomy.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/gateway"
	"github.com/sells-group/idea-eval/internal/model"
)

const (
	defaultMaxSecondary = 3
	classifyTemperature = 0.3
	classifyMaxTokens   = 1000
)

// Schema is the structured-output schema sent with every classification call.
const Schema = `{
  "primary_theme": "string, one theme name from the list",
  "secondary_themes": ["string, 0 to %d other theme names from the list"],
  "industry": "string, one industry name from the list",
  "technologies": ["string, specific technologies, tools or platforms"]
}`

// Input is the idea content to classify.
type Input struct {
	IdeaText      string
	ExtractedText string
}

// Classifier implements the classification stage.
type Classifier struct {
	gw           gateway.Completer
	taxonomy     Taxonomy
	maxSecondary int
}

// New creates a Classifier. maxSecondary <= 0 uses the default of 3.
func New(gw gateway.Completer, taxonomy Taxonomy, maxSecondary int) *Classifier {
	if maxSecondary <= 0 {
		maxSecondary = defaultMaxSecondary
	}
	return &Classifier{gw: gw, taxonomy: taxonomy, maxSecondary: maxSecondary}
}

// Taxonomy returns the vocabulary in use.
func (c *Classifier) Taxonomy() Taxonomy { return c.taxonomy }

// Classify runs the classification call, with at most one repair call.
func (c *Classifier) Classify(ctx context.Context, cfg model.ModelConfig, in Input) (*model.Classification, error) {
	temp := classifyTemperature
	schema := c.schema()
	msgs := []gateway.Message{
		{Role: gateway.RoleSystem, Content: c.systemPrompt()},
		{Role: gateway.RoleUser, Content: userPrompt(in)},
	}

	res, err := gateway.CompleteStructured(ctx, c.gw, cfg, "classify", msgs,
		gateway.Parameters{Temperature: &temp, MaxTokens: classifyMaxTokens, JSONSchema: schema},
		c.Parse)
	if err != nil {
		return nil, eris.Wrap(err, "classify")
	}

	zap.L().Debug("classify: done",
		zap.String("primary_theme", res.Value.PrimaryTheme),
		zap.String("industry", res.Value.Industry),
		zap.Bool("repaired", res.Repaired),
		zap.Int64("tokens", res.TokensUsed),
	)
	return &res.Value, nil
}

type rawClassification struct {
	PrimaryTheme    *string   `json:"primary_theme"`
	SecondaryThemes *[]string `json:"secondary_themes"`
	Industry        *string   `json:"industry"`
	Technologies    *[]string `json:"technologies"`
}

// Parse validates model output against the schema and taxonomy.
func (c *Classifier) Parse(text string) (model.Classification, error) {
	var raw rawClassification
	if err := json.Unmarshal([]byte(gateway.CleanJSON(text)), &raw); err != nil {
		return model.Classification{}, fmt.Errorf("output is not a valid JSON object: %v", err)
	}

	var problems []string
	if raw.PrimaryTheme == nil {
		problems = append(problems, "primary_theme is required")
	} else if !c.taxonomy.HasTheme(*raw.PrimaryTheme) {
		problems = append(problems, fmt.Sprintf("primary_theme %q is not in the theme list", *raw.PrimaryTheme))
	}
	if raw.SecondaryThemes == nil {
		problems = append(problems, "secondary_themes is required (use [] for none)")
	} else {
		if len(*raw.SecondaryThemes) > c.maxSecondary {
			problems = append(problems, fmt.Sprintf("secondary_themes has %d entries, at most %d allowed", len(*raw.SecondaryThemes), c.maxSecondary))
		}
		for _, th := range *raw.SecondaryThemes {
			switch {
			case !c.taxonomy.HasTheme(th):
				problems = append(problems, fmt.Sprintf("secondary theme %q is not in the theme list", th))
			case raw.PrimaryTheme != nil && th == *raw.PrimaryTheme:
				problems = append(problems, fmt.Sprintf("secondary theme %q repeats the primary theme", th))
			}
		}
	}
	if raw.Industry == nil {
		problems = append(problems, "industry is required")
	} else if !c.taxonomy.HasIndustry(*raw.Industry) {
		problems = append(problems, fmt.Sprintf("industry %q is not in the industry list", *raw.Industry))
	}
	if raw.Technologies == nil {
		problems = append(problems, "technologies is required (use [] for none)")
	}
	if len(problems) > 0 {
		return model.Classification{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return model.Classification{
		PrimaryTheme:    *raw.PrimaryTheme,
		SecondaryThemes: dedupe(*raw.SecondaryThemes),
		Industry:        *raw.Industry,
		Technologies:    dedupe(*raw.Technologies),
	}, nil
}

// dedupe drops blanks and repeats (case-insensitive), keeping first
// appearance order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func (c *Classifier) schema() string {
	return fmt.Sprintf(Schema, c.maxSecondary)
}

func (c *Classifier) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You classify innovation ideas by theme, industry and technologies.\n\nAVAILABLE THEMES:\n")
	for _, th := range c.taxonomy.Themes {
		fmt.Fprintf(&b, "- %s: %s", th.Name, th.Description)
		if len(th.Keywords) > 0 {
			fmt.Fprintf(&b, " (keywords: %s)", strings.Join(th.Keywords, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nAVAILABLE INDUSTRIES:\n")
	for _, ind := range c.taxonomy.Industries {
		fmt.Fprintf(&b, "- %s\n", ind)
	}
	fmt.Fprintf(&b, `
INSTRUCTIONS:
1. Select ONE primary theme that best represents the core focus of the idea.
2. Select 0 to %d secondary themes that are genuinely relevant. Never repeat the primary theme.
3. Select ONE industry that would benefit most from the idea.
4. List the specific technologies, tools, frameworks or platforms mentioned or implied.
Use theme and industry names exactly as written above.
`, c.maxSecondary)
	return b.String()
}

func userPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("IDEA CONTENT:\n")
	b.WriteString(in.IdeaText)
	if strings.TrimSpace(in.ExtractedText) != "" {
		b.WriteString("\n\nSUPPORTING DOCUMENT:\n")
		b.WriteString(in.ExtractedText)
	}
	return b.String()
}
