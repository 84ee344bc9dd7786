// Package logging builds the process loggers. Components take a
// *log.Logger; this package decides where their output goes.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File, when set, receives a copy of all log output with rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet drops stderr output. File output is unaffected.
	Quiet bool
}

// Output is the shared log destination.
type Output struct {
	w      io.Writer
	rotate *lumberjack.Logger
}

// Open creates the log destination described by opts.
func Open(opts Options) (*Output, error) {
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}

	out := &Output{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		out.rotate = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, out.rotate)
	}

	switch len(writers) {
	case 0:
		out.w = io.Discard
	case 1:
		out.w = writers[0]
	default:
		out.w = io.MultiWriter(writers...)
	}
	return out, nil
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer { return o.w }

// Logger returns a logger for one component, e.g. Logger("sync")
// prefixes lines with "[sync] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Rotate closes the current log file and starts a new one.
func (o *Output) Rotate() error {
	if o.rotate == nil {
		return nil
	}
	return o.rotate.Rotate()
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	if o.rotate == nil {
		return nil
	}
	return o.rotate.Close()
}
