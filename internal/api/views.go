package api

import (
	"time"

	"github.com/sells-group/idea-eval/internal/model"
)

// IdeaStatus is the externally visible progress of one idea.
type IdeaStatus struct {
	ID                       string                            `json:"id"`
	Title                    string                            `json:"title"`
	State                    model.PipelineState               `json:"state"`
	Stages                   map[model.Stage]model.StageStatus `json:"stages"`
	Errors                   map[model.Stage]string            `json:"errors,omitempty"`
	PrimaryTheme             string                            `json:"primary_theme,omitempty"`
	WeightedTotalScore       *float64                          `json:"weighted_total_score,omitempty"`
	InvestmentRecommendation model.Recommendation              `json:"investment_recommendation,omitempty"`
	VerificationScore        *float64                          `json:"verification_score,omitempty"`
	NeedsReview              bool                              `json:"needs_review"`
	ConfigWarnings           []string                          `json:"config_warnings,omitempty"`
	Pins                     map[model.Purpose]model.ConfigPin `json:"pins,omitempty"`
	UpdatedAt                time.Time                         `json:"updated_at"`
}

// NewIdeaStatus projects an idea onto its status view.
func NewIdeaStatus(i *model.Idea) IdeaStatus {
	stages := make(map[model.Stage]model.StageStatus, len(model.Stages))
	for _, s := range model.Stages {
		stages[s] = i.Status(s)
	}
	return IdeaStatus{
		ID:                       i.ID,
		Title:                    i.Title,
		State:                    i.State,
		Stages:                   stages,
		Errors:                   i.StageErrors,
		PrimaryTheme:             i.PrimaryTheme,
		WeightedTotalScore:       i.WeightedTotalScore,
		InvestmentRecommendation: i.InvestmentRecommendation,
		VerificationScore:        i.VerificationScore,
		NeedsReview:              i.NeedsReview,
		ConfigWarnings:           i.ConfigWarnings,
		Pins:                     i.Pins,
		UpdatedAt:                i.UpdatedAt,
	}
}

// ConfigView is a model configuration without its credential.
type ConfigView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Provider  model.Provider     `json:"provider"`
	Model     string             `json:"model"`
	Endpoint  string             `json:"endpoint,omitempty"`
	Status    model.ConfigStatus `json:"status"`
	Version   int                `json:"version"`
	RateLimit int                `json:"rate_limit"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewConfigView redacts cfg. A nil cfg gives a nil view.
func NewConfigView(cfg *model.ModelConfig) *ConfigView {
	if cfg == nil {
		return nil
	}
	return &ConfigView{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Provider:  cfg.Provider,
		Model:     cfg.Settings.Model,
		Endpoint:  cfg.Settings.Endpoint,
		Status:    cfg.Status,
		Version:   cfg.Version,
		RateLimit: cfg.Settings.RateLimit,
		UpdatedAt: cfg.UpdatedAt,
	}
}
