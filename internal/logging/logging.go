// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "tradegate", "logs", "gateway.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		writers = append(writers, consoleWriter)
	}

	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	var writer io.Writer
	if len(writers) == 0 {
		writer = os.Stdout
	} else if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// WithIntentID adds an intent ID to the logger context.
func WithIntentID(logger zerolog.Logger, intentID string) zerolog.Logger {
	return logger.With().Str("intent_id", intentID).Logger()
}

// WithCorrelationID adds a correlation ID to the logger context.
func WithCorrelationID(logger zerolog.Logger, correlationID string) zerolog.Logger {
	return logger.With().Str("correlation_id", correlationID).Logger()
}

// LogTransition logs an order state transition.
func LogTransition(logger zerolog.Logger, orderID, symbol string, from, to string) {
	logger.Info().
		Str("event", "transition").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("from", from).
		Str("to", to).
		Msg("Order state changed")
}

// LogFill logs a fill event.
func LogFill(logger zerolog.Logger, orderID, symbol string, qty int, price float64) {
	logger.Info().
		Str("event", "fill").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Int("quantity", qty).
		Float64("price", price).
		Msg("Fill recorded")
}

// LogRejection logs a risk rejection.
func LogRejection(logger zerolog.Logger, intentID, symbol, check, reason string) {
	logger.Warn().
		Str("event", "risk_rejection").
		Str("intent_id", intentID).
		Str("symbol", symbol).
		Str("check", check).
		Str("reason", reason).
		Msg("Intent rejected")
}

// LogKillSwitch logs a kill switch state change.
func LogKillSwitch(logger zerolog.Logger, armed bool, mode, reason string) {
	logger.Warn().
		Str("event", "kill_switch").
		Bool("armed", armed).
		Str("mode", mode).
		Str("reason", reason).
		Msg("Kill switch state changed")
}
