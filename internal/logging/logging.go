// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package logging builds the process logger from LogConfig.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/pdiddy/docflow/pkg/types"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps debug, info, warn and error to slog levels. Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q: use debug, info, warn or error", s)
}

// New returns a logger writing to out. In auto format a terminal gets text
// and anything else gets JSON.
func New(cfg types.LogConfig, out *os.File) (*slog.Logger, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatText
		}
	}
	return NewWriter(cfg.Level, format, out)
}

// NewWriter returns a logger with an explicit format, for writers that are
// not files.
func NewWriter(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q: use auto, text or json", format)
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
