package model

import (
	"strings"
	"time"
)

// StageStatus is the per-stage status persisted on an idea.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// Done reports whether the stage needs no further work without a forced re-run.
func (s StageStatus) Done() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}

// Stage names one pipeline phase.
type Stage string

const (
	StageExtraction     Stage = "extraction"
	StageClassification Stage = "classification"
	StageEvaluation     Stage = "evaluation"
	StageVerification   Stage = "verification"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageExtraction, StageClassification, StageEvaluation, StageVerification}

// ParseStage converts a user-supplied stage name.
func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

// Downstream returns the stages that run after s.
func (s Stage) Downstream() []Stage {
	for i, st := range Stages {
		if st == s {
			return Stages[i+1:]
		}
	}
	return nil
}

// PipelineState is the position of an idea in the pipeline state machine.
type PipelineState string

const (
	StatePending     PipelineState = "pending"
	StateExtracting  PipelineState = "extracting"
	StateExtracted   PipelineState = "extracted"
	StateSkipped     PipelineState = "skipped"
	StateFailed      PipelineState = "failed"
	StateClassifying PipelineState = "classifying"
	StateClassified  PipelineState = "classified"
	StateEvaluating  PipelineState = "evaluating"
	StateEvaluated   PipelineState = "evaluated"
	StateVerifying   PipelineState = "verifying"
	StateVerified    PipelineState = "verified"
	StateFlagged     PipelineState = "flagged"
)

// Recommendation is the three-way investment outcome.
type Recommendation string

const (
	RecommendationGo       Recommendation = "go"
	RecommendationConsider Recommendation = "consider-with-mitigations"
	RecommendationNoGo     Recommendation = "no-go"
)

// RubricScore is the raw model score and rationale for one rubric.
type RubricScore struct {
	RawScore  float64 `json:"raw_score"`
	Reasoning string  `json:"reasoning"`
}

// Idea is a submitted idea and everything the pipeline derives from it.
type Idea struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`

	Title                   string `json:"title"`
	BriefSummary            string `json:"brief_summary"`
	ChallengeOpportunity    string `json:"challenge_opportunity,omitempty"`
	NoveltyBenefitsRisks    string `json:"novelty_benefits_risks,omitempty"`
	ResponsibleAIAdherence  string `json:"responsible_ai_adherence,omitempty"`
	AdditionalDocumentation string `json:"additional_documentation,omitempty"`
	SupportFileURI          string `json:"support_file_uri,omitempty"`
	SupportFileType         string `json:"support_file_type,omitempty"`

	ExtractionStatus     StageStatus   `json:"extraction_status"`
	ClassificationStatus StageStatus   `json:"classification_status"`
	EvaluationStatus     StageStatus   `json:"evaluation_status"`
	VerificationStatus   StageStatus   `json:"verification_status"`
	State                PipelineState `json:"state"`

	ExtractedText  *string `json:"extracted_text,omitempty"`
	ExtractedUnits int     `json:"extracted_units,omitempty"`

	PrimaryTheme    string   `json:"primary_theme,omitempty"`
	SecondaryThemes []string `json:"secondary_themes,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`

	RubricScores             map[string]RubricScore `json:"rubric_scores,omitempty"`
	WeightedTotalScore       *float64               `json:"weighted_total_score,omitempty"`
	InvestmentRecommendation Recommendation         `json:"investment_recommendation,omitempty"`
	KeyStrengths             []string               `json:"key_strengths,omitempty"`
	KeyConcerns              []string               `json:"key_concerns,omitempty"`
	ConfigWarnings           []string               `json:"config_warnings,omitempty"`

	VerificationScore *float64 `json:"verification_score,omitempty"`
	NeedsReview       bool     `json:"needs_review"`

	StageErrors map[Stage]string      `json:"stage_errors,omitempty"`
	Pins        map[Purpose]ConfigPin `json:"pins,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewIdea returns an idea with every stage pending.
func NewIdea(id, submissionID, title, summary string) *Idea {
	return &Idea{
		ID:                   id,
		SubmissionID:         submissionID,
		Title:                title,
		BriefSummary:         summary,
		ExtractionStatus:     StageStatusPending,
		ClassificationStatus: StageStatusPending,
		EvaluationStatus:     StageStatusPending,
		VerificationStatus:   StageStatusPending,
		State:                StatePending,
	}
}

// Status returns the status of the given stage.
func (i *Idea) Status(s Stage) StageStatus {
	var st StageStatus
	switch s {
	case StageExtraction:
		st = i.ExtractionStatus
	case StageClassification:
		st = i.ClassificationStatus
	case StageEvaluation:
		st = i.EvaluationStatus
	case StageVerification:
		st = i.VerificationStatus
	}
	if st == "" {
		return StageStatusPending
	}
	return st
}

// SetStatus sets the status of the given stage and records or clears its
// failure reason.
func (i *Idea) SetStatus(s Stage, status StageStatus, reason string) {
	switch s {
	case StageExtraction:
		i.ExtractionStatus = status
	case StageClassification:
		i.ClassificationStatus = status
	case StageEvaluation:
		i.EvaluationStatus = status
	case StageVerification:
		i.VerificationStatus = status
	}
	if reason != "" {
		if i.StageErrors == nil {
			i.StageErrors = make(map[Stage]string)
		}
		i.StageErrors[s] = reason
		return
	}
	delete(i.StageErrors, s)
}

// FurthestStage returns the last stage that finished (completed or skipped),
// or "" when nothing has finished yet.
func (i *Idea) FurthestStage() Stage {
	var furthest Stage
	for _, s := range Stages {
		if i.Status(s).Done() {
			furthest = s
		}
	}
	return furthest
}

// FailedStage returns the first failed stage and its reason.
func (i *Idea) FailedStage() (Stage, string, bool) {
	for _, s := range Stages {
		if i.Status(s) == StageStatusFailed {
			return s, i.StageErrors[s], true
		}
	}
	return "", "", false
}

// SubmissionText renders the free-text submission fields as prompt context.
func (i *Idea) SubmissionText() string {
	var b strings.Builder
	field := func(label, v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(v)
	}
	field("Title", i.Title)
	field("Summary", i.BriefSummary)
	field("Challenge / Opportunity", i.ChallengeOpportunity)
	field("Novelty, Benefits and Risks", i.NoveltyBenefitsRisks)
	field("Responsible AI Adherence", i.ResponsibleAIAdherence)
	field("Additional Documentation", i.AdditionalDocumentation)
	return b.String()
}

// ClearClassification drops derived classification fields.
func (i *Idea) ClearClassification() {
	i.PrimaryTheme = ""
	i.SecondaryThemes = nil
	i.Industry = ""
	i.Technologies = nil
}

// ClearEvaluation drops derived evaluation fields.
func (i *Idea) ClearEvaluation() {
	i.RubricScores = nil
	i.WeightedTotalScore = nil
	i.InvestmentRecommendation = ""
	i.KeyStrengths = nil
	i.KeyConcerns = nil
	i.ConfigWarnings = nil
}

// ClearVerification drops derived verification fields.
func (i *Idea) ClearVerification() {
	i.VerificationScore = nil
	i.NeedsReview = false
}

// ResetStage returns a stage to pending and drops the data it produced.
func (i *Idea) ResetStage(s Stage) {
	i.SetStatus(s, StageStatusPending, "")
	switch s {
	case StageExtraction:
		i.ExtractedText = nil
		i.ExtractedUnits = 0
	case StageClassification:
		i.ClearClassification()
	case StageEvaluation:
		i.ClearEvaluation()
	case StageVerification:
		i.ClearVerification()
	}
}

// RecomputeState derives State from the last stage that has left pending.
func (i *Idea) RecomputeState() {
	i.State = StatePending
	for _, s := range Stages {
		st := i.Status(s)
		if st == StageStatusPending {
			continue
		}
		i.State = stageState(s, st, i.NeedsReview)
	}
}

func stageState(s Stage, st StageStatus, needsReview bool) PipelineState {
	if st == StageStatusFailed {
		return StateFailed
	}
	switch s {
	case StageExtraction:
		switch st {
		case StageStatusInProgress:
			return StateExtracting
		case StageStatusSkipped:
			return StateSkipped
		}
		return StateExtracted
	case StageClassification:
		if st == StageStatusInProgress {
			return StateClassifying
		}
		return StateClassified
	case StageEvaluation:
		if st == StageStatusInProgress {
			return StateEvaluating
		}
		return StateEvaluated
	default:
		switch st {
		case StageStatusInProgress:
			return StateVerifying
		case StageStatusSkipped:
			return StateEvaluated
		}
		if needsReview {
			return StateFlagged
		}
		return StateVerified
	}
}
