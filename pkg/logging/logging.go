// Package logging carries the structured logging interface used across
// every package in this module. The interface itself is the teacher's
// (pkg/orchestrator.Logger in the source this was generalised from);
// what changed is the backend: NewZap wires it to go.uber.org/zap
// instead of leaving every caller to invent its own.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the structured logging contract every stage, the back-end
// multiplexer, and the orchestrator depend on. Keyed args follow the
// zap sugared convention: alternating key, value.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Used as the default so callers never
// need a nil check, and in tests where log output is noise.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// zapLogger adapts a zap.SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap wraps an existing zap logger. Pass the result of
// zap.NewProduction() or zap.NewDevelopment().
func NewZap(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

func (l *zapLogger) Debug(msg string, args ...interface{}) { l.s.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...interface{})  { l.s.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...interface{})  { l.s.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...interface{}) { l.s.Errorw(msg, args...) }
