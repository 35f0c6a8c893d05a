package en50221

import (
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows every message, including state transitions
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows module protocol violations and errors
	LevelWarn
	// LevelError shows only device and stack errors
	LevelError
)

// SetLogLevel replaces the package default logger with one at level.
// Managers created afterwards with NewManager use it.
func SetLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewDefaultLogger(logger.Level(level)))
}

// Logger is the logging interface every layer of the stack accepts
type Logger = logger.Logger

// DefaultLogger returns the package default logger set by SetLogLevel
func DefaultLogger() Logger {
	return logger.GetDefault()
}
