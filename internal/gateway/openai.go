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

const (
	defaultOpenAIEndpoint  = "https://api.openai.com/v1"
	defaultAzureAPIVersion = "2024-06-01"
)

// OpenAIProvider speaks the chat/completions API for both OpenAI and Azure
// OpenAI deployments.
type OpenAIProvider struct {
	hc    *http.Client
	azure bool
}

// NewOpenAIProvider returns the openai adapter.
func NewOpenAIProvider(hc *http.Client) *OpenAIProvider {
	return &OpenAIProvider{hc: hc}
}

// NewAzureOpenAIProvider returns the azure_openai adapter.
func NewAzureOpenAIProvider(hc *http.Client) *OpenAIProvider {
	return &OpenAIProvider{hc: hc, azure: true}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() model.Provider {
	if p.azure {
		return model.ProviderAzureOpenAI
	}
	return model.ProviderOpenAI
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int64             `json:"max_tokens,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Call implements Provider.
func (p *OpenAIProvider) Call(ctx context.Context, req Request) (*Response, error) {
	name := string(p.Name())
	endpoint, headers, err := p.target(req.Config.Settings)
	if err != nil {
		return nil, err
	}

	body := chatRequest{
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
	}
	if !p.azure {
		body.Model = req.Config.Settings.Model
	}

	system := req.System()
	if req.Params.JSONSchema != "" {
		system = appendSchemaHint(system, req.Params.JSONSchema)
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	if system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: string(RoleSystem), Content: system})
	}
	for _, m := range req.Conversation() {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	data, err := postJSON(ctx, p.hc, name, endpoint, headers, body)
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := decodeResponse(name, data, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &resilience.MalformedResponseError{Component: name, Detail: "response has no choices"}
	}
	return &Response{Text: out.Choices[0].Message.Content, TokensUsed: out.Usage.TotalTokens}, nil
}

func (p *OpenAIProvider) target(s model.ModelSettings) (string, map[string]string, error) {
	if !p.azure {
		base := s.Endpoint
		if base == "" {
			base = defaultOpenAIEndpoint
		}
		return strings.TrimRight(base, "/") + "/chat/completions",
			map[string]string{"Authorization": "Bearer " + s.Credential}, nil
	}

	if s.Endpoint == "" {
		return "", nil, resilience.NewConfigError("azure_openai: endpoint is required")
	}
	deployment := s.Deployment
	if deployment == "" {
		deployment = s.Model
	}
	version := s.APIVersion
	if version == "" {
		version = defaultAzureAPIVersion
	}
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(s.Endpoint, "/"), url.PathEscape(deployment), url.QueryEscape(version))
	return u, map[string]string{"api-key": s.Credential}, nil
}

// appendSchemaHint adds the structured-output instruction to a system prompt.
func appendSchemaHint(system, schema string) string {
	hint := "Respond with a single JSON object and nothing else. It must match this schema:\n" + schema
	if system == "" {
		return hint
	}
	return system + "\n\n" + hint
}
