package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogLevel represents log level
type LogLevel int

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production
	DebugLevel LogLevel = iota
	// InfoLevel is the default logging priority
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review
	WarnLevel
	// ErrorLevel logs are high-priority
	ErrorLevel
	// FatalLevel logs. After a fatal log, the application will exit
	FatalLevel
)

var (
	level    *zap.AtomicLevel
	levelMux sync.RWMutex
)

// SetLevel changes the log level dynamically
func SetLevel(l LogLevel) {
	levelMux.Lock()
	if level == nil {
		newLevel := zap.NewAtomicLevel()
		level = &newLevel
	}
	zapLevel := toZapLevel(l)
	level.SetLevel(zapLevel)
	levelMux.Unlock()

	Info("Log level changed", zap.String("new_level", zapLevel.String()))
}

// ParseLevel parses a string to a log level
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

// Component creates a logger annotated with a component name.
func Component(name string) *zap.Logger {
	return L().With(zap.String("component", name))
}
