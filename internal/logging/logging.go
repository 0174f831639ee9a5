// Package logging provides the pluggable logger used across the replicated
// log subsystems. Components depend on the small Logger interface so tests
// can run silent and binaries can plug in structured output.
package logging

import "github.com/rs/zerolog"

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopLogger discards everything. It is the default for components created
// without an explicit logger.
type NopLogger struct{}

func (l *NopLogger) Debugf(_ string, _ ...interface{}) {}
func (l *NopLogger) Infof(_ string, _ ...interface{})  {}
func (l *NopLogger) Warnf(_ string, _ ...interface{})  {}
func (l *NopLogger) Errorf(_ string, _ ...interface{}) {}

// ZerologAdapter bridges the Logger interface onto a zerolog.Logger so the
// daemons get leveled, structured output.
type ZerologAdapter struct {
	log zerolog.Logger
}

// NewZerologAdapter wraps the given zerolog.Logger.
func NewZerologAdapter(log zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{log: log}
}

func (a *ZerologAdapter) Debugf(format string, args ...interface{}) {
	a.log.Debug().Msgf(format, args...)
}

func (a *ZerologAdapter) Infof(format string, args ...interface{}) {
	a.log.Info().Msgf(format, args...)
}

func (a *ZerologAdapter) Warnf(format string, args ...interface{}) {
	a.log.Warn().Msgf(format, args...)
}

func (a *ZerologAdapter) Errorf(format string, args ...interface{}) {
	a.log.Error().Msgf(format, args...)
}
