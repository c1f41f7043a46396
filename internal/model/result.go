package model

// Classification is the structured classifier output.
type Classification struct {
	PrimaryTheme    string   `json:"primary_theme"`
	SecondaryThemes []string `json:"secondary_themes"`
	Industry        string   `json:"industry"`
	Technologies    []string `json:"technologies"`
}

// ConfigurationWarning is a non-fatal configuration problem attached to a
// result.
type ConfigurationWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WarningWeightTotal flags active rubric weights that do not sum to 100.
const WarningWeightTotal = "RUBRIC_WEIGHT_TOTAL"

// Evaluation is the rubric evaluator output.
type Evaluation struct {
	RubricScores             map[string]RubricScore `json:"rubric_scores"`
	WeightedTotalScore       float64                `json:"weighted_total_score"`
	InvestmentRecommendation Recommendation         `json:"investment_recommendation"`
	KeyStrengths             []string               `json:"key_strengths"`
	KeyConcerns              []string               `json:"key_concerns"`
	Warnings                 []ConfigurationWarning `json:"warnings,omitempty"`
	TokensUsed               int64                  `json:"tokens_used"`
}

// Verification is the outcome of the second-pass gate.
type Verification struct {
	Confirmed  bool        `json:"confirmed"`
	Divergence float64     `json:"divergence"`
	Secondary  *Evaluation `json:"adjusted_result,omitempty"`
}

// StageCounts tallies stage outcomes within a run.
type StageCounts struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
