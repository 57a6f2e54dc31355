// Package core holds the domain types and narrow interfaces shared across
// the trading core so that leaf packages never import each other directly.
package core

// ILogger is the structured logging contract implemented by pkg/logging.
// Every component that logs takes one of these rather than a concrete type,
// so tests can substitute a no-op or recording logger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
