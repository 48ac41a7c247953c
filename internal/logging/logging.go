// Package logging wires up the structured logger used across the channel
// multiplexing core, adapted from the teacher's logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the minimum severity a logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

// New builds a zerolog.Logger with a timestamp, caller info, and a constant
// service field, at config.Level and config.Format.
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	case LevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := config.Service
	if service == "" {
		service = "chanmuxd"
	}

	return zerolog.New(output).With().Timestamp().Caller().Str("service", service).Logger()
}

// Init builds a logger via New and installs it as the package-level default
// zerolog.Logger used by log.Logger calls throughout the program.
func Init(config Config) {
	log.Logger = New(config)
}

// Error logs err with msg and the supplied fields at error level.
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Panic logs a recovered panic value with a stack trace at error level. Does
// not itself re-panic; the caller decides whether to propagate.
func Panic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	stack := string(debug.Stack())
	event := logger.Error().Interface("panic_value", panicValue).Str("stack_trace", stack)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
