package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// New builds a logger for the given configuration writing to w.
// A nil writer means stdout.
func New(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	if w == nil {
		w = os.Stdout
	}

	// Set output format
	output := w
	if cfg.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger(), nil
}

// Setup builds the process logger and installs it as the global logger used
// by the command layer. Components receive the returned value explicitly.
func Setup(cfg Config) (zerolog.Logger, error) {
	l, err := New(cfg, os.Stdout)
	if err != nil {
		return l, err
	}

	zerolog.SetGlobalLevel(l.GetLevel())
	log.Logger = l

	return l, nil
}

// Component returns a child logger tagged with the component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Info returns an info level event on the global logger
func Info() *zerolog.Event {
	return log.Info()
}

// Debug returns a debug level event on the global logger
func Debug() *zerolog.Event {
	return log.Debug()
}

// Warn returns a warn level event on the global logger
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error returns an error level event on the global logger
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal returns a fatal level event on the global logger
func Fatal() *zerolog.Event {
	return log.Fatal()
}
