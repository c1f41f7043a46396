package workflow

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// Logger adapts a zap logger to the Temporal SDK's key/value logger so
// client and worker output lands in the same structured stream as the
// pipeline's.
type Logger struct {
	s *zap.SugaredLogger
}

var _ log.Logger = Logger{}

// NewLogger wraps l. Temporal log calls one level deeper than zap expects,
// so the caller is skipped once.
func NewLogger(l *zap.Logger) Logger {
	return Logger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar().Named("temporal")}
}

// Debug implements log.Logger.
func (l Logger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }

// Info implements log.Logger.
func (l Logger) Info(msg string, keyvals ...interface{}) { l.s.Infow(msg, keyvals...) }

// Warn implements log.Logger.
func (l Logger) Warn(msg string, keyvals ...interface{}) { l.s.Warnw(msg, keyvals...) }

// Error implements log.Logger.
func (l Logger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
