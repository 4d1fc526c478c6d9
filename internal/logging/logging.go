// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Level       string
	Development bool
	// File enables a rotated JSON log file next to the console output.
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// New builds a logger from opts without touching the global one. The returned
// closer releases the log file, if any.
func New(opts Options, out io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var console io.Writer = out
	if opts.Development {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	var closer io.Closer = nopCloser{}
	w := console
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			LocalTime:  true,
		}
		closer = file
		w = zerolog.MultiLevelWriter(console, file)
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
	return l, closer, nil
}

// Setup installs the logger built from opts as the global logger.
func Setup(opts Options) (io.Closer, error) {
	l, closer, err := New(opts, os.Stdout)
	if err != nil {
		return nil, err
	}
	log.Logger = l
	zerolog.DefaultContextLogger = &log.Logger
	return closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
