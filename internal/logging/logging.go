// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures the process logger.
type Options struct {
	// Level is the minimum level (debug, info, warn, error). An empty or
	// unparseable level falls back to info.
	Level string

	// Console enables human-readable console output instead of JSON.
	Console bool

	// Out overrides the output writer. Defaults to stderr; the language
	// server owns stdout.
	Out io.Writer
}

// Init builds the root logger and installs it as the zerolog global.
func Init(app string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
