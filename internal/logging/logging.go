// Package logging builds the *log.Logger instances handed to offsync components.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agritrace/offsync/internal/config"
)

// Factory creates prefixed loggers sharing one output.
type Factory struct {
	out    io.Writer
	closer io.Closer
}

// New returns a Factory writing to stderr and, when cfg.File is set, to a
// rotating log file.
func New(cfg config.LogConfig) (*Factory, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with a custom console writer.
func NewWithWriter(cfg config.LogConfig, console io.Writer) (*Factory, error) {
	if cfg.File == "" {
		return &Factory{out: console}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Factory{
		out:    io.MultiWriter(console, rotator),
		closer: rotator,
	}, nil
}

// Logger returns a logger whose lines start with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Close releases the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
