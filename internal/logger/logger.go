package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
	Output      io.Writer
}

// Logger wraps zerolog so components can take a single pointer type.
type Logger struct {
	zerolog.Logger
}

// New builds a service logger. Development environments get a console
// writer, everything else gets JSON.
func New(cfg Config) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Environment == "development" || cfg.Environment == "local" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	return &Logger{Logger: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With().Str("component", name).Logger()}
}
