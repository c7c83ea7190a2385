// Package logger builds the zerolog.Logger shared by every fetcherd component.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the base logger's verbosity and output format.
type Config struct {
	Level  string // debug, info, warn, error, critical (zerolog's fatal level); anything else means info
	Pretty bool   // console-writer output instead of JSON
}

// New builds a structured logger with a timestamp and caller attached.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "critical":
		level = zerolog.FatalLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetGlobalLogger sets the package-level zerolog default logger.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
