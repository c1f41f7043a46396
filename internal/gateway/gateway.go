// Package gateway is the single entry point for model calls. It dispatches to
// provider adapters and applies per-configuration rate limiting, retries,
// timeouts and circuit breaking.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Parameters tune a single completion. Zero values fall back to the
// configuration's settings.
type Parameters struct {
	Temperature *float64
	MaxTokens   int64
	// JSONSchema, when set, asks the provider for a JSON object matching the
	// schema text.
	JSONSchema string
}

// Response is the provider output of a completion.
type Response struct {
	Text       string
	TokensUsed int64
	Latency    time.Duration
	Attempts   int
}

// Request is what a Provider receives for one attempt.
type Request struct {
	Config   model.ModelConfig
	Messages []Message
	Params   Parameters
}

// System joins every system message into one prompt.
func (r Request) System() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// Conversation returns the non-system messages in order.
func (r Request) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Provider is a provider adapter. Call performs exactly one HTTP exchange and
// maps failures onto the resilience error taxonomy.
type Provider interface {
	Name() model.Provider
	Call(ctx context.Context, req Request) (*Response, error)
}

// Completer is the gateway contract consumed by the classifier and evaluator.
type Completer interface {
	Complete(ctx context.Context, cfg model.ModelConfig, messages []Message, params Parameters) (*Response, error)
}

// Options configures a Gateway.
type Options struct {
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
	DefaultTimeout    time.Duration
	DefaultQueueDepth int
	DefaultMaxTokens  int64
	Observer          Observer
}

const (
	defaultTimeout    = 60 * time.Second
	defaultQueueDepth = 8
	defaultMaxTokens  = 2048
)

// Gateway implements Completer.
type Gateway struct {
	providers map[model.Provider]Provider
	limiters  *Limiters
	breakers  *resilience.Breakers
	retry     resilience.RetryConfig
	opts      Options
	observer  Observer
}

var _ Completer = (*Gateway)(nil)

// New creates a Gateway over the given providers.
func New(opts Options, providers ...Provider) *Gateway {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.DefaultQueueDepth <= 0 {
		opts.DefaultQueueDepth = defaultQueueDepth
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = defaultMaxTokens
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Observer == nil {
		opts.Observer = LogObserver{}
	}

	g := &Gateway{
		providers: make(map[model.Provider]Provider, len(providers)),
		limiters:  NewLimiters(),
		breakers:  resilience.NewBreakers(opts.Breaker),
		retry:     opts.Retry,
		opts:      opts,
		observer:  opts.Observer,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

// NewDefault creates a Gateway with every built-in provider adapter.
func NewDefault(opts Options, hc *http.Client) *Gateway {
	if hc == nil {
		hc = &http.Client{}
	}
	return New(opts,
		NewAnthropicProvider(hc),
		NewOpenAIProvider(hc),
		NewAzureOpenAIProvider(hc),
		NewGeminiProvider(hc),
		NewGemmaProvider(hc),
	)
}

// Complete runs one completion against cfg.
func (g *Gateway) Complete(ctx context.Context, cfg model.ModelConfig, messages []Message, params Parameters) (*Response, error) {
	resp, _, err := g.complete(ctx, cfg, messages, params)
	return resp, err
}

// TestConnection sends a short probe completion and returns the call record.
func (g *Gateway) TestConnection(ctx context.Context, cfg model.ModelConfig) (CallRecord, error) {
	_, rec, err := g.complete(ctx, cfg, []Message{
		{Role: RoleUser, Content: "Connection test. Reply with the single word OK."},
	}, Parameters{MaxTokens: 16})
	return rec, err
}

// BreakerStates reports the circuit state of every configuration seen so far.
func (g *Gateway) BreakerStates() map[string]string {
	out := make(map[string]string)
	for k, s := range g.breakers.States() {
		out[k] = s.String()
	}
	return out
}

func (g *Gateway) complete(ctx context.Context, cfg model.ModelConfig, messages []Message, params Parameters) (*Response, CallRecord, error) {
	start := time.Now()
	rec := CallRecord{
		ID:        uuid.NewString(),
		ConfigID:  cfg.ID,
		Version:   cfg.Version,
		Provider:  cfg.Provider,
		Model:     cfg.Settings.Model,
		StartedAt: start,
	}

	resp, attempts, err := g.invoke(ctx, cfg, messages, params)
	rec.Attempts = attempts
	rec.Latency = time.Since(start)
	if err != nil {
		rec.Outcome = OutcomeError
		rec.ErrorClass = resilience.ClassOf(err)
		rec.Error = err.Error()
		g.observer.ObserveCall(rec)
		return nil, rec, err
	}

	resp.Latency = rec.Latency
	resp.Attempts = attempts
	rec.Outcome = OutcomeOK
	rec.TokensUsed = resp.TokensUsed
	g.observer.ObserveCall(rec)
	return resp, rec, nil
}

func (g *Gateway) invoke(ctx context.Context, cfg model.ModelConfig, messages []Message, params Parameters) (*Response, int, error) {
	p, ok := g.providers[cfg.Provider]
	if !ok {
		return nil, 0, resilience.NewConfigError("gateway: unknown provider %q for config %s", cfg.Provider, cfg.Key())
	}
	if len(messages) == 0 {
		return nil, 0, resilience.NewConfigError("gateway: no messages for config %s", cfg.Key())
	}
	if cfg.Settings.Model == "" {
		return nil, 0, resilience.NewConfigError("gateway: config %s has no model", cfg.Key())
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, eris.Wrap(resilience.ErrCanceled, "gateway: complete")
	}

	req := Request{Config: cfg, Messages: messages, Params: g.resolveParams(cfg, params)}
	key := cfg.Key()

	depth := cfg.Settings.QueueDepth
	if depth <= 0 {
		depth = g.opts.DefaultQueueDepth
	}
	limiter := g.limiters.Get(key, cfg.Settings.RateLimit, depth)
	breaker := g.breakers.Get(key)

	timeout := g.opts.DefaultTimeout
	if cfg.Settings.TimeoutMs > 0 {
		timeout = time.Duration(cfg.Settings.TimeoutMs) * time.Millisecond
	}

	retry := g.retry
	retry.OnRetry = resilience.RetryLogger(key, string(cfg.Provider))

	return resilience.Do(ctx, retry, func(ctx context.Context, _ int) (*Response, error) {
		if err := limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		if err := breaker.Allow(); err != nil {
			return nil, eris.Wrapf(err, "gateway: config %s", key)
		}

		// The request runs detached from run cancellation so an in-flight call
		// completes within its own timeout; its result is dropped below.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		resp, err := p.Call(callCtx, req)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = resilience.NewTransientError(err, 0)
		}
		breaker.Record(err)

		if ctx.Err() != nil {
			return nil, eris.Wrap(resilience.ErrCanceled, "gateway: result discarded")
		}
		return resp, err
	})
}

func (g *Gateway) resolveParams(cfg model.ModelConfig, p Parameters) Parameters {
	if p.Temperature == nil {
		t := cfg.Settings.Temperature
		p.Temperature = &t
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = cfg.Settings.MaxTokens
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = g.opts.DefaultMaxTokens
	}
	return p
}
