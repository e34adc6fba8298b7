// Package logging is a thin structured-logging seam over zap. Components
// take a Logger rather than a *zap.Logger so tests can pass a no-op
// implementation without spinning up a real encoder.
package logging

import "go.uber.org/zap"

// Logger is the narrow interface every component depends on.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	l *zap.Logger
}

// New builds a production zap logger wrapped as a Logger.
func New() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// Component returns a child logger scoped to a component name, matching
// the With-chain idiom components use throughout the pack. A nil l falls
// back to a no-op logger.
func Component(l Logger, name string) Logger {
	if l == nil {
		l = NewNop()
	}
	return l.With(zap.String("component", name))
}
