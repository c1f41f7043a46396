package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
	"github.com/sells-group/idea-eval/pkg/anthropic"
)

// AnthropicProvider calls the Messages API through the official SDK.
type AnthropicProvider struct {
	hc *http.Client

	mu      sync.Mutex
	clients map[string]anthropic.Client

	// newClient is swapped in tests.
	newClient func(s model.ModelSettings) anthropic.Client
}

// NewAnthropicProvider returns the anthropic adapter.
func NewAnthropicProvider(hc *http.Client) *AnthropicProvider {
	p := &AnthropicProvider{hc: hc, clients: make(map[string]anthropic.Client)}
	p.newClient = func(s model.ModelSettings) anthropic.Client {
		opts := []anthropic.ClientOption{anthropic.WithBaseURL(s.Endpoint)}
		if p.hc != nil {
			opts = append(opts, anthropic.WithHTTPClient(p.hc))
		}
		return anthropic.NewClient(s.Credential, opts...)
	}
	return p
}

// Name implements Provider.
func (p *AnthropicProvider) Name() model.Provider { return model.ProviderAnthropic }

// Call implements Provider.
func (p *AnthropicProvider) Call(ctx context.Context, req Request) (*Response, error) {
	system := req.System()
	if req.Params.JSONSchema != "" {
		system = appendSchemaHint(system, req.Params.JSONSchema)
	}

	conv := req.Conversation()
	msgs := make([]anthropic.Message, 0, len(conv))
	for _, m := range conv {
		msgs = append(msgs, anthropic.Message{Role: string(m.Role), Content: m.Content})
	}

	resp, err := p.client(req.Config.Settings).CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Config.Settings.Model,
		MaxTokens:   req.Params.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(system),
		Messages:    msgs,
		Temperature: req.Params.Temperature,
	})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	return &Response{Text: resp.Text(), TokensUsed: resp.Usage.Total()}, nil
}

func (p *AnthropicProvider) client(s model.ModelSettings) anthropic.Client {
	key := s.Endpoint + "|" + s.Credential
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := p.newClient(s)
	p.clients[key] = c
	return c
}

func classifyAnthropicError(err error) error {
	if code := anthropic.StatusCode(err); code != 0 {
		return resilience.FromHTTPStatus("anthropic", code, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// No HTTP status means the request never got a response.
	return resilience.NewTransientError(eris.Wrap(err, "anthropic: transport"), 0)
}
