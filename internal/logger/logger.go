// Package logger provides logging implementations for autobuild.
//
// The logger package offers leveled logging for engine components and a
// subscriber that records engine events. Implementations are thread-safe and
// support console (with color on terminals) and file destinations.
package logger

import "fmt"

// Logger is the leveled logging surface engine components depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// GracefulWarn logs a warning if logger is non-nil.
// It eliminates the repeated pattern of:
//
//	if logger != nil {
//	    logger.Warnf(format, args...)
//	}
func GracefulWarn(logger Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Warnf(format, args...)
	}
}

// GracefulInfo logs an info message if logger is non-nil.
func GracefulInfo(logger Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Infof(format, args...)
	}
}

// GracefulDebug logs a debug message if logger is non-nil.
func GracefulDebug(logger Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Debugf(format, args...)
	}
}

// GracefulError logs an error message if logger is non-nil.
func GracefulError(logger Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Errorf(format, args...)
	}
}

// NoOpLogger is a Logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debugf(format string, args ...interface{}) {}
func (n *NoOpLogger) Infof(format string, args ...interface{})  {}
func (n *NoOpLogger) Warnf(format string, args ...interface{})  {}
func (n *NoOpLogger) Errorf(format string, args ...interface{}) {}

// MultiLogger fans every message out to several loggers.
type MultiLogger []Logger

func (m MultiLogger) Debugf(format string, args ...interface{}) {
	for _, l := range m {
		l.Debugf(format, args...)
	}
}

func (m MultiLogger) Infof(format string, args ...interface{}) {
	for _, l := range m {
		l.Infof(format, args...)
	}
}

func (m MultiLogger) Warnf(format string, args ...interface{}) {
	for _, l := range m {
		l.Warnf(format, args...)
	}
}

func (m MultiLogger) Errorf(format string, args ...interface{}) {
	for _, l := range m {
		l.Errorf(format, args...)
	}
}

// sprintf avoids formatting when there are no args, so messages that contain
// a literal % from agent output are kept intact.
func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
