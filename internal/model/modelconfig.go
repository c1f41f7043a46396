package model

import (
	"fmt"
	"time"
)

// Provider is the closed set of supported model adapters.
type Provider string

const (
	ProviderAnthropic   Provider = "anthropic"
	ProviderOpenAI      Provider = "openai"
	ProviderAzureOpenAI Provider = "azure_openai"
	ProviderGemini      Provider = "gemini"
	ProviderGemma       Provider = "gemma"
)

// ParseProvider validates a provider string.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderAnthropic, ProviderOpenAI, ProviderAzureOpenAI, ProviderGemini, ProviderGemma:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", s)
	}
}

// ConfigStatus is the lifecycle status of a model configuration.
type ConfigStatus string

const (
	ConfigStatusDraft    ConfigStatus = "draft"
	ConfigStatusTested   ConfigStatus = "tested"
	ConfigStatusActive   ConfigStatus = "active"
	ConfigStatusInactive ConfigStatus = "inactive"
)

// CanActivate reports whether a configuration in this status may be activated.
func (s ConfigStatus) CanActivate() bool {
	return s == ConfigStatusTested || s == ConfigStatusInactive
}

// Purpose is the role a model configuration plays.
type Purpose string

const (
	PurposeEvaluation   Purpose = "evaluation"
	PurposeVerification Purpose = "verification"
)

// ParsePurpose validates a purpose string.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case PurposeEvaluation, PurposeVerification:
		return Purpose(s), nil
	default:
		return "", fmt.Errorf("purpose must be %q or %q, got %q", PurposeEvaluation, PurposeVerification, s)
	}
}

// ModelSettings holds provider-specific call settings.
type ModelSettings struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Credential  string  `json:"credential,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int64   `json:"max_tokens"`
	RateLimit   int     `json:"rate_limit"`            // requests per minute, 0 = unlimited
	QueueDepth  int     `json:"queue_depth,omitempty"` // waiters allowed when the bucket is empty
	TimeoutMs   int     `json:"timeout_ms,omitempty"`
	APIVersion  string  `json:"api_version,omitempty"` // azure_openai
	Deployment  string  `json:"deployment,omitempty"`  // azure_openai
}

// ModelConfig is a stored model configuration.
type ModelConfig struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Provider  Provider      `json:"provider"`
	Settings  ModelSettings `json:"settings"`
	Status    ConfigStatus  `json:"status"`
	Purpose   Purpose       `json:"purpose,omitempty"`
	Version   int           `json:"version"`
	IsActive  bool          `json:"is_active"`
	Notes     string        `json:"notes,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key identifies this exact configuration revision.
func (c ModelConfig) Key() string {
	return fmt.Sprintf("%s@v%d", c.ID, c.Version)
}

// Pin records which configuration revision a run used.
func (c ModelConfig) Pin() ConfigPin {
	return ConfigPin{
		ConfigID: c.ID,
		Version:  c.Version,
		Provider: c.Provider,
		Model:    c.Settings.Model,
	}
}

// ConfigPin is the configuration revision pinned by an idea's run.
type ConfigPin struct {
	ConfigID string   `json:"config_id"`
	Version  int      `json:"version"`
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
}

// Pins holds the configurations resolved once at the start of a run. A nil
// entry means no configuration was active for that purpose.
type Pins struct {
	Evaluation   *ModelConfig `json:"evaluation,omitempty"`
	Verification *ModelConfig `json:"verification,omitempty"`
}
