package gateway

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

// Call outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// CallRecord describes one Complete call, across all of its attempts.
type CallRecord struct {
	ID         string           `json:"id"`
	ConfigID   string           `json:"config_id"`
	Version    int              `json:"version"`
	Provider   model.Provider   `json:"provider"`
	Model      string           `json:"model"`
	Attempts   int              `json:"attempts"`
	Latency    time.Duration    `json:"latency"`
	TokensUsed int64            `json:"tokens_used"`
	Outcome    string           `json:"outcome"`
	ErrorClass resilience.Class `json:"error_class,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
}

// Observer receives a record for every Complete call.
type Observer interface {
	ObserveCall(rec CallRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec CallRecord)

// ObserveCall implements Observer.
func (f ObserverFunc) ObserveCall(rec CallRecord) { f(rec) }

// LogObserver writes call records to the global zap logger.
type LogObserver struct{}

// ObserveCall implements Observer.
func (LogObserver) ObserveCall(rec CallRecord) {
	fields := []zap.Field{
		zap.String("call_id", rec.ID),
		zap.String("config_id", rec.ConfigID),
		zap.Int("config_version", rec.Version),
		zap.String("provider", string(rec.Provider)),
		zap.String("model", rec.Model),
		zap.Int("attempts", rec.Attempts),
		zap.Duration("latency", rec.Latency),
		zap.Int64("tokens", rec.TokensUsed),
		zap.String("outcome", rec.Outcome),
	}
	if rec.Outcome == OutcomeError {
		fields = append(fields, zap.String("error_class", string(rec.ErrorClass)), zap.String("error", rec.Error))
		zap.L().Warn("gateway: call failed", fields...)
		return
	}
	zap.L().Debug("gateway: call completed", fields...)
}
