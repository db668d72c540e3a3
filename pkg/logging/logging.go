// Package logging builds the hclog loggers used by the daemons.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Config struct {
	Name   string
	Level  string
	Format string
	// File is the log file path; empty means stderr.
	File string
}

// New returns a logger and a function releasing its output.
func New(cfg Config) (hclog.Logger, func() error, error) {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		return nil, nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file %s: %w", cfg.File, err)
		}

		out = f
		closeFn = f.Close
	}

	var jsonFormat bool
	switch strings.ToLower(cfg.Format) {
	case "", "text":
	case "json":
		jsonFormat = true
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       cfg.Name,
		Level:      level,
		Output:     out,
		JSONFormat: jsonFormat,
	})

	return logger, closeFn, nil
}
