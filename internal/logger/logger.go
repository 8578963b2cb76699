// Package logger configures the process-wide zerolog logger for both the
// server and the daemon binaries.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, set up by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger.
//
// level is a zerolog level name ("debug", "info", ...); invalid values fall
// back to info. pretty selects human-readable console output for
// development over JSON for production.
func Initialize(service, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", service).
		Logger()
}

// InitializeWithFile is Initialize plus a tee into a date-stamped log file
// under folder (one file per day; older files are left for the log
// shipper). Returns the opened file so the caller can close it on exit.
func InitializeWithFile(service, level, folder string, pretty bool) (*os.File, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("could not create logs folder: %w", err)
	}

	name := fmt.Sprintf("%s.%s.aesterisk.log", time.Now().Format("2006-01-02"), service)
	file, err := os.OpenFile(filepath.Join(folder, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var console io.Writer = os.Stdout
	if pretty {
		console = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(console, file)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	log.Logger = Log

	return file, nil
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// WebSocket creates a logger for WebSocket transport events.
func WebSocket() *zerolog.Logger {
	l := Log.With().Str("component", "websocket").Logger()
	return &l
}

// Dispatch creates a logger for dispatch core events.
func Dispatch() *zerolog.Logger {
	l := Log.With().Str("component", "dispatch").Logger()
	return &l
}

// Database creates a logger for database events.
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// Docker creates a logger for container engine events.
func Docker() *zerolog.Logger {
	l := Log.With().Str("component", "docker").Logger()
	return &l
}

// Security creates a logger for authentication events.
func Security() *zerolog.Logger {
	l := Log.With().Str("component", "security").Logger()
	return &l
}
