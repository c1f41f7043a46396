package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

const defaultGoogleEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// GoogleProvider speaks the generateContent API. Gemma models share the API
// but do not accept a system instruction or a JSON mime type, so both are
// folded into the first user turn.
type GoogleProvider struct {
	hc    *http.Client
	gemma bool
}

// NewGeminiProvider returns the gemini adapter.
func NewGeminiProvider(hc *http.Client) *GoogleProvider {
	return &GoogleProvider{hc: hc}
}

// NewGemmaProvider returns the gemma adapter.
func NewGemmaProvider(hc *http.Client) *GoogleProvider {
	return &GoogleProvider{hc: hc, gemma: true}
}

// Name implements Provider.
func (p *GoogleProvider) Name() model.Provider {
	if p.gemma {
		return model.ProviderGemma
	}
	return model.ProviderGemini
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]any  `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Call implements Provider.
func (p *GoogleProvider) Call(ctx context.Context, req Request) (*Response, error) {
	name := string(p.Name())
	s := req.Config.Settings

	base := s.Endpoint
	if base == "" {
		base = defaultGoogleEndpoint
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(base, "/"), url.PathEscape(s.Model))

	gen := map[string]any{"maxOutputTokens": req.Params.MaxTokens}
	if req.Params.Temperature != nil {
		gen["temperature"] = *req.Params.Temperature
	}

	system := req.System()
	if req.Params.JSONSchema != "" {
		system = appendSchemaHint(system, req.Params.JSONSchema)
		if !p.gemma {
			gen["responseMimeType"] = "application/json"
		}
	}

	body := googleRequest{GenerationConfig: gen}
	for _, m := range req.Conversation() {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, googleContent{Role: role, Parts: []googlePart{{Text: m.Content}}})
	}
	if system != "" {
		if p.gemma {
			body.Contents = prependToFirstUser(body.Contents, system)
		} else {
			body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: system}}}
		}
	}

	data, err := postJSON(ctx, p.hc, name, endpoint, map[string]string{"x-goog-api-key": s.Credential}, body)
	if err != nil {
		return nil, err
	}

	var out googleResponse
	if err := decodeResponse(name, data, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, &resilience.MalformedResponseError{Component: name, Detail: "response has no candidates"}
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return &Response{Text: text.String(), TokensUsed: out.UsageMetadata.TotalTokenCount}, nil
}

func prependToFirstUser(contents []googleContent, text string) []googleContent {
	for i, c := range contents {
		if c.Role == "user" && len(c.Parts) > 0 {
			contents[i].Parts[0].Text = text + "\n\n" + c.Parts[0].Text
			return contents
		}
	}
	return append([]googleContent{{Role: "user", Parts: []googlePart{{Text: text}}}}, contents...)
}
