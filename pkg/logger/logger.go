// Package logger provides structured logging setup for crosswind.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output instead of JSON
	Dir    string // when set, logs are also written to a date-stamped file in this directory
}

// New creates a configured zerolog.Logger.
// Invalid levels fall back to info. When cfg.Dir is set and the log file
// cannot be opened, the logger silently degrades to stdout only so that a
// bad path never prevents startup.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var base io.Writer = os.Stdout
	if cfg.Pretty {
		base = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{base}
	if cfg.Dir != "" {
		if file := openLogFile(cfg.Dir); file != nil {
			writers = append(writers, file)
		}
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// openLogFile opens (creating if needed) the day's log file for appending.
func openLogFile(dir string) *os.File {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	name := filepath.Join(dir, "crosswind-"+time.Now().UTC().Format("2006-01-02")+".log")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return file
}
