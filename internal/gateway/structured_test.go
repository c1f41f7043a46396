package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, cfg model.ModelConfig, msgs []Message, params Parameters) (*Response, error) {
	args := m.Called(ctx, cfg, msgs, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}

type answer struct {
	Value *int `json:"value"`
}

func parseAnswer(text string) (int, error) {
	var a answer
	if err := json.Unmarshal([]byte(CleanJSON(text)), &a); err != nil {
		return 0, err
	}
	if a.Value == nil {
		return 0, errors.New("value is required")
	}
	return *a.Value, nil
}

func TestCompleteStructured_FirstTry(t *testing.T) {
	c := &mockCompleter{}
	c.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&Response{Text: "```json\n{\"value\": 4}\n```", TokensUsed: 10}, nil).Once()

	res, err := CompleteStructured(context.Background(), c, model.ModelConfig{}, "test", userMsg, Parameters{JSONSchema: "{}"}, parseAnswer)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Value)
	assert.False(t, res.Repaired)
	c.AssertNumberOfCalls(t, "Complete", 1)
}

func TestCompleteStructured_ExactlyOneRepair(t *testing.T) {
	c := &mockCompleter{}
	c.On("Complete", mock.Anything, mock.Anything, mock.MatchedBy(func(m []Message) bool { return len(m) == 1 }), mock.Anything).
		Return(&Response{Text: `{"other": 1}`, TokensUsed: 10}, nil).Once()
	c.On("Complete", mock.Anything, mock.Anything, mock.MatchedBy(func(m []Message) bool {
		return len(m) == 3 &&
			m[1].Role == RoleAssistant && m[1].Content == `{"other": 1}` &&
			m[2].Role == RoleUser
	}), mock.Anything).
		Return(&Response{Text: `{"value": 9}`, TokensUsed: 5}, nil).Once()

	res, err := CompleteStructured(context.Background(), c, model.ModelConfig{}, "test", userMsg, Parameters{JSONSchema: `{"value":"int"}`}, parseAnswer)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Value)
	assert.True(t, res.Repaired)
	assert.Equal(t, int64(15), res.TokensUsed)
	c.AssertExpectations(t)
}

func TestCompleteStructured_RepairFailsIsMalformed(t *testing.T) {
	c := &mockCompleter{}
	c.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&Response{Text: "not json"}, nil).Twice()

	_, err := CompleteStructured(context.Background(), c, model.ModelConfig{}, "classify", userMsg, Parameters{}, parseAnswer)
	var malformed *resilience.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "classify", malformed.Component)
	assert.Equal(t, "not json", malformed.Raw)
	c.AssertNumberOfCalls(t, "Complete", 2)
}

func TestCompleteStructured_GatewayErrorNotRepaired(t *testing.T) {
	c := &mockCompleter{}
	c.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &resilience.AuthError{Provider: "p", StatusCode: 401, Err: errors.New("x")}).Once()

	_, err := CompleteStructured(context.Background(), c, model.ModelConfig{}, "test", userMsg, Parameters{}, parseAnswer)
	assert.Equal(t, resilience.ClassAuth, resilience.ClassOf(err))
	c.AssertNumberOfCalls(t, "Complete", 1)
}

func TestRepairInstruction_IncludesSchemaAndError(t *testing.T) {
	msg := RepairInstruction(`{"industry":"string"}`, errors.New("industry is required"))
	assert.Contains(t, msg, "industry is required")
	assert.Contains(t, msg, `{"industry":"string"}`)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, CleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":{"b":2}}`, CleanJSON(`Sure! Here it is: {"a":{"b":2}} Hope that helps.`))
	assert.Equal(t, "plain", CleanJSON("  plain "))
}
