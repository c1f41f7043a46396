package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

// StructuredResult is a validated structured completion.
type StructuredResult[T any] struct {
	Value      T
	TokensUsed int64
	Repaired   bool
}

// CompleteStructured runs a completion whose text must pass parse. When
// parse rejects the output it makes exactly one repair call: the original
// conversation, the rejected output as an assistant turn, and a user turn
// carrying the schema and the validation error. A second rejection yields a
// MalformedResponseError. Gateway errors are returned as is.
func CompleteStructured[T any](
	ctx context.Context,
	c Completer,
	cfg model.ModelConfig,
	component string,
	messages []Message,
	params Parameters,
	parse func(text string) (T, error),
) (StructuredResult[T], error) {
	var out StructuredResult[T]

	resp, err := c.Complete(ctx, cfg, messages, params)
	if err != nil {
		return out, err
	}
	out.TokensUsed = resp.TokensUsed

	val, perr := parse(resp.Text)
	if perr == nil {
		out.Value = val
		return out, nil
	}

	repair := make([]Message, 0, len(messages)+2)
	repair = append(repair, messages...)
	repair = append(repair,
		Message{Role: RoleAssistant, Content: resp.Text},
		Message{Role: RoleUser, Content: RepairInstruction(params.JSONSchema, perr)},
	)

	resp, err = c.Complete(ctx, cfg, repair, params)
	if err != nil {
		return out, err
	}
	out.TokensUsed += resp.TokensUsed
	out.Repaired = true

	val, perr = parse(resp.Text)
	if perr != nil {
		return out, &resilience.MalformedResponseError{Component: component, Detail: perr.Error(), Raw: resp.Text}
	}
	out.Value = val
	return out, nil
}

// RepairInstruction is the user turn that asks the model to fix its output.
func RepairInstruction(schema string, verr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous response could not be used: %v.\n", verr)
	b.WriteString("Return only a single valid JSON object, with no commentary or code fences")
	if schema != "" {
		b.WriteString(", matching this schema exactly:\n")
		b.WriteString(schema)
	} else {
		b.WriteString(".")
	}
	return b.String()
}

// CleanJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object in text.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
