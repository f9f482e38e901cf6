// Package logger builds the slog logger used by tlctl.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// L is the process logger. It discards all output until Init is called.
var L = Discard()

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	JSON    bool       // JSON handler instead of text
	Level   slog.Level // Minimum log level. Default: LevelInfo
	Output  io.Writer  // Destination. Default: os.Stderr
	LogFile string     // Append to this file instead of Output
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New builds a logger from opts. The returned closer releases the log file,
// if one was opened, and is never nil.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if !opts.Enabled {
		return Discard(), nopCloser{}, nil
	}

	var closer io.Closer = nopCloser{}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: open %s: %w", opts.LogFile, err)
		}
		out, closer = f, f
	}

	ho := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, ho)
	} else {
		h = slog.NewTextHandler(out, ho)
	}
	return slog.New(h), closer, nil
}

// Init configures L and makes it the slog default. Call from main() before
// any log calls.
func Init(opts Options) (io.Closer, error) {
	l, closer, err := New(opts)
	if err != nil {
		return nil, err
	}
	L = l
	slog.SetDefault(l)
	return closer, nil
}

// ParseLevel accepts debug, info, warn and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("logger: %w", err)
	}
	return level, nil
}
