package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/config"
)

// New builds the process logger. "json" writes one JSON object per line,
// "text" and "plain" use zerolog's console writer ("plain" without colour).
func New(cfg config.LoggingConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

func NewWithWriter(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = w
	switch cfg.Format {
	case "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "plain":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
