// Package logger provides the process-wide zerolog logger every other
// package in this module logs through.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance.
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print unless APP_ENV is "production"
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// WithComponent returns a child logger tagged with a "component" field,
// used by cmd/server ("server") and cmd/worker ("worker") to attribute
// their log lines. The core packages log through Log directly.
func WithComponent(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
