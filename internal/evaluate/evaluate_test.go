package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/idea-eval/internal/gateway"
	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

func exampleRubrics() []model.Rubric {
	mk := func(id, name string, weight float64, order int) model.Rubric {
		return model.Rubric{ID: id, Name: name, ScaleMin: 0, ScaleMax: 5, Weight: weight, IsActive: true, DisplayOrder: order}
	}
	return []model.Rubric{
		mk("novelty", "Novelty", 20, 1),
		mk("audience_fit", "Audience Fit", 25, 2),
		mk("feasibility", "Feasibility", 20, 3),
		mk("public_service", "Public Service", 20, 4),
		mk("ethical_risk", "Ethical Risk", 15, 5),
	}
}

func exampleScores() map[string]model.RubricScore {
	return map[string]model.RubricScore{
		"novelty":        {RawScore: 5, Reasoning: "first of its kind"},
		"audience_fit":   {RawScore: 4, Reasoning: "clear buyers"},
		"feasibility":    {RawScore: 3, Reasoning: "hardware risk"},
		"public_service": {RawScore: 5, Reasoning: "safer bridges"},
		"ethical_risk":   {RawScore: 5, Reasoning: "no personal data"},
	}
}

func TestAggregate_WorkedExample(t *testing.T) {
	got, err := Aggregate(exampleRubrics(), exampleScores(), DefaultThresholds())
	require.NoError(t, err)

	// (10*20 + 8*25 + 6*20 + 10*20 + 10*15) / 100
	assert.InDelta(t, 8.7, got.WeightedTotalScore, 1e-9)
	assert.Equal(t, model.RecommendationGo, got.InvestmentRecommendation)
	assert.Empty(t, got.Warnings)
	assert.Len(t, got.RubricScores, 5)

	// Three rubrics tie at 10; display order picks novelty then public service.
	assert.Equal(t, []string{"Novelty: first of its kind", "Public Service: safer bridges"}, got.KeyStrengths)
	assert.Equal(t, []string{"Feasibility: hardware risk", "Audience Fit: clear buyers"}, got.KeyConcerns)
}

func TestAggregate_TiesUseDisplayOrder(t *testing.T) {
	rubrics := exampleRubrics()
	// Reverse display order so ties resolve the other way.
	for i := range rubrics {
		rubrics[i].DisplayOrder = 10 - i
	}
	got, err := Aggregate(rubrics, exampleScores(), DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, []string{"Ethical Risk: no personal data", "Public Service: safer bridges"}, got.KeyStrengths)
}

func TestAggregate_WeightSumNinetyWarns(t *testing.T) {
	rubrics := exampleRubrics()
	// Drop a 10-weight share: 20+25+20+15 = 80, then bump to 90.
	rubrics = append(rubrics[:3], rubrics[4])
	rubrics[0].Weight = 30
	require.InDelta(t, 90, model.TotalWeight(rubrics), 1e-9)

	got, err := Aggregate(rubrics, exampleScores(), DefaultThresholds())
	require.NoError(t, err)

	want := (10*30 + 8*25 + 6*20 + 10*15) / 90.0
	assert.InDelta(t, want, got.WeightedTotalScore, 1e-6)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, model.WarningWeightTotal, got.Warnings[0].Code)
	assert.Contains(t, got.Warnings[0].Message, "90")
}

func TestThresholds_Boundaries(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		total float64
		want  model.Recommendation
	}{
		{10, model.RecommendationGo},
		{7.0, model.RecommendationGo},
		{6.999, model.RecommendationConsider},
		{4.0, model.RecommendationConsider},
		{3.999, model.RecommendationNoGo},
		{0, model.RecommendationNoGo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Recommend(tt.total), "total %v", tt.total)
	}
}

func TestAggregate_TotalAlwaysInRange(t *testing.T) {
	rubrics := exampleRubrics()
	for _, raw := range []float64{0, 0.5, 1, 2.5, 4.99, 5} {
		scores := make(map[string]model.RubricScore)
		for i, r := range rubrics {
			v := raw
			if i%2 == 1 {
				v = 5 - raw
			}
			scores[r.ID] = model.RubricScore{RawScore: v}
		}
		got, err := Aggregate(rubrics, scores, DefaultThresholds())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.WeightedTotalScore, 0.0)
		assert.LessOrEqual(t, got.WeightedTotalScore, 10.0)
	}
}

func TestAggregate_NonZeroScaleMin(t *testing.T) {
	r := model.Rubric{ID: "x", Name: "X", ScaleMin: 1, ScaleMax: 5, Weight: 100, IsActive: true}
	got, err := Aggregate([]model.Rubric{r}, map[string]model.RubricScore{"x": {RawScore: 4}}, DefaultThresholds())
	require.NoError(t, err)
	assert.InDelta(t, 7.5, got.WeightedTotalScore, 1e-9)
	assert.Equal(t, []string{"X"}, got.KeyStrengths)
	assert.Equal(t, []string{"X"}, got.KeyConcerns)
}

func TestAggregate_MissingScoreIsMalformed(t *testing.T) {
	scores := exampleScores()
	delete(scores, "feasibility")
	_, err := Aggregate(exampleRubrics(), scores, DefaultThresholds())
	var mre *resilience.MalformedResponseError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "evaluate:feasibility", mre.Component)
}

func TestValidateRubrics(t *testing.T) {
	err := ValidateRubrics(nil)
	var ce *resilience.ConfigError
	require.ErrorAs(t, err, &ce)

	zero := exampleRubrics()
	for i := range zero {
		zero[i].Weight = 0
	}
	require.ErrorAs(t, ValidateRubrics(zero), &ce)

	flat := exampleRubrics()
	flat[2].ScaleMax = flat[2].ScaleMin
	require.ErrorAs(t, ValidateRubrics(flat), &ce)

	assert.NoError(t, ValidateRubrics(exampleRubrics()))
}

// scriptedGateway replays canned responses. respond picks a response from
// the conversation; when nil the next queued response is used.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []string
	respond   func(msgs []gateway.Message) string
	calls     [][]gateway.Message
}

func (s *scriptedGateway) Complete(_ context.Context, _ model.ModelConfig, msgs []gateway.Message, _ gateway.Parameters) (*gateway.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	if s.respond != nil {
		return &gateway.Response{Text: s.respond(msgs), TokensUsed: 10}, nil
	}
	text := s.responses[0]
	s.responses = s.responses[1:]
	return &gateway.Response{Text: text, TokensUsed: 10}, nil
}

var testCfg = model.ModelConfig{ID: "eval", Version: 2, Provider: model.ProviderAnthropic, Settings: model.ModelSettings{Model: "claude-sonnet-4-5"}}

func batchResponse(t *testing.T, scores map[string]any) string {
	t.Helper()
	body := map[string]any{"rubric_scores": map[string]any{}}
	for id, v := range scores {
		body["rubric_scores"].(map[string]any)[id] = map[string]any{"score": v, "reasoning": "because " + id}
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return string(b)
}

func testIdea() *model.Idea {
	idea := model.NewIdea("idea-1", "sub-1", "Drone bridge inspection", "Autonomous drones inspect bridges.")
	text := "Pilot results: 40% faster inspections."
	idea.ExtractedText = &text
	idea.PrimaryTheme = "AI & Machine Learning"
	idea.Industry = "Energy & Utilities"
	idea.Technologies = []string{"Drones"}
	return idea
}

func TestEvaluate_Batch(t *testing.T) {
	gw := &scriptedGateway{responses: []string{batchResponse(t, map[string]any{
		"novelty": 5, "audience_fit": 4, "feasibility": 3, "public_service": 5, "ethical_risk": 5, "unknown": 1,
	})}}
	e := New(gw, Options{})

	got, err := e.Evaluate(context.Background(), testCfg, testIdea(), exampleRubrics())
	require.NoError(t, err)
	assert.InDelta(t, 8.7, got.WeightedTotalScore, 1e-9)
	assert.Equal(t, model.RecommendationGo, got.InvestmentRecommendation)
	assert.Equal(t, int64(10), got.TokensUsed)
	assert.Equal(t, "because feasibility", got.RubricScores["feasibility"].Reasoning)

	require.Len(t, gw.calls, 1)
	user := gw.calls[0][1].Content
	assert.Contains(t, user, "Drone bridge inspection")
	assert.Contains(t, user, "Pilot results")
	assert.Contains(t, user, "Primary theme: AI & Machine Learning")
	assert.Contains(t, gw.calls[0][0].Content, "id: audience_fit")
}

func TestEvaluate_IgnoresInactiveRubrics(t *testing.T) {
	rubrics := exampleRubrics()
	rubrics[4].IsActive = false
	gw := &scriptedGateway{responses: []string{batchResponse(t, map[string]any{
		"novelty": 5, "audience_fit": 4, "feasibility": 3, "public_service": 5,
	})}}

	got, err := New(gw, Options{}).Evaluate(context.Background(), testCfg, testIdea(), rubrics)
	require.NoError(t, err)
	assert.NotContains(t, got.RubricScores, "ethical_risk")
	require.Len(t, got.Warnings, 1)
	assert.NotContains(t, gw.calls[0][0].Content, "ethical_risk")
}

func TestEvaluate_OutOfRangeRepairedOnce(t *testing.T) {
	bad := batchResponse(t, map[string]any{
		"novelty": 7, "audience_fit": 4, "feasibility": 3, "public_service": 5, "ethical_risk": 5,
	})
	good := batchResponse(t, map[string]any{
		"novelty": 5, "audience_fit": 4, "feasibility": 3, "public_service": 5, "ethical_risk": 5,
	})
	gw := &scriptedGateway{responses: []string{bad, good}}

	got, err := New(gw, Options{}).Evaluate(context.Background(), testCfg, testIdea(), exampleRubrics())
	require.NoError(t, err)
	assert.InDelta(t, 8.7, got.WeightedTotalScore, 1e-9)
	require.Len(t, gw.calls, 2)
	assert.Contains(t, gw.calls[1][3].Content, `"novelty": score 7 is outside [0, 5]`)
}

func TestEvaluate_MissingScoreFailsAfterOneRepair(t *testing.T) {
	missing := batchResponse(t, map[string]any{
		"novelty": 5, "audience_fit": 4, "public_service": 5, "ethical_risk": 5,
	})
	gw := &scriptedGateway{responses: []string{missing, missing}}

	_, err := New(gw, Options{}).Evaluate(context.Background(), testCfg, testIdea(), exampleRubrics())
	require.Error(t, err)
	var mre *resilience.MalformedResponseError
	require.ErrorAs(t, err, &mre)
	assert.Contains(t, mre.Detail, `"feasibility" is missing`)
	assert.Len(t, gw.calls, 2)
	assert.Equal(t, resilience.ClassMalformed, resilience.ClassOf(err))
}

func TestEvaluate_NoActiveRubricsIsConfigError(t *testing.T) {
	rubrics := exampleRubrics()
	for i := range rubrics {
		rubrics[i].IsActive = false
	}
	gw := &scriptedGateway{}
	_, err := New(gw, Options{}).Evaluate(context.Background(), testCfg, testIdea(), rubrics)
	var ce *resilience.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, gw.calls)
}

func TestEvaluate_PerRubric(t *testing.T) {
	raw := map[string]string{
		"novelty":        `{"score": 5, "reasoning": "new"}`,
		"audience_fit":   `{"score": 4, "reasoning": "fit"}`,
		"feasibility":    "```json\n{\"score\": 3, \"reasoning\": \"hard\"}\n```",
		"public_service": `{"score": 5, "reasoning": "public"}`,
		"ethical_risk":   `{"score": 5, "reasoning": "safe"}`,
	}
	gw := &scriptedGateway{respond: func(msgs []gateway.Message) string {
		for id, text := range raw {
			if strings.Contains(msgs[0].Content, "- id: "+id+"\n") {
				return text
			}
		}
		return "{}"
	}}

	got, err := New(gw, Options{Mode: ModePerRubric, Concurrency: 2}).Evaluate(context.Background(), testCfg, testIdea(), exampleRubrics())
	require.NoError(t, err)
	assert.InDelta(t, 8.7, got.WeightedTotalScore, 1e-9)
	assert.Len(t, gw.calls, 5)
	assert.Equal(t, int64(50), got.TokensUsed)
	assert.Equal(t, "hard", got.RubricScores["feasibility"].Reasoning)
}

func TestEvaluate_PerRubricFailureFailsIdea(t *testing.T) {
	gw := &scriptedGateway{respond: func(msgs []gateway.Message) string {
		if strings.Contains(msgs[0].Content, "- id: feasibility\n") {
			return `{"score": "three", "reasoning": "words"}`
		}
		return `{"score": 4, "reasoning": "ok"}`
	}}

	_, err := New(gw, Options{Mode: ModePerRubric}).Evaluate(context.Background(), testCfg, testIdea(), exampleRubrics())
	var mre *resilience.MalformedResponseError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "evaluate:feasibility", mre.Component)
	assert.Contains(t, mre.Detail, "is not a number")
}

func TestParseRubric(t *testing.T) {
	r := model.Rubric{ID: "x", ScaleMin: 1, ScaleMax: 10}
	tests := []struct {
		name string
		text string
		err  string
	}{
		{"valid", `{"score": 7.5, "reasoning": "ok"}`, ""},
		{"null", `{"score": null}`, "score is missing"},
		{"absent", `{"reasoning": "none"}`, "score is missing"},
		{"string", `{"score": "7"}`, "not a number"},
		{"low", `{"score": 0}`, "outside"},
		{"high", `{"score": 11}`, "outside"},
		{"garbage", `no json here`, "not a valid JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRubric(tt.text, r)
			if tt.err == "" {
				require.NoError(t, err)
				assert.InDelta(t, 7.5, got.RawScore, 1e-9)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestEvaluate_GatewayErrorNotRepaired(t *testing.T) {
	gw := &failingGateway{err: resilience.NewTransientError(errors.New("overloaded"), 529)}
	_, err := New(gw, Options{}).Evaluate(context.Background(), testCfg, testIdea(), exampleRubrics())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 1, gw.calls)
}

type failingGateway struct {
	err   error
	calls int
}

func (f *failingGateway) Complete(context.Context, model.ModelConfig, []gateway.Message, gateway.Parameters) (*gateway.Response, error) {
	f.calls++
	return nil, f.err
}
