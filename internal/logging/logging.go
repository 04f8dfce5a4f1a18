package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level string
	// File receives log output. Empty writes to stderr unless Quiet is set.
	File string
	// Quiet routes output to DefaultFile when no File is configured, for
	// surfaces that own the terminal or stdio.
	Quiet bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// DefaultFile is the log location used when the terminal is not available.
func DefaultFile() string {
	return filepath.Join(os.TempDir(), "canopy.log")
}

// New builds the process logger. The returned closer releases the log file.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			return nil, nil, err
		}
		level = parsed
	}
	logger.SetLevel(level)

	path := strings.TrimSpace(opts.File)
	if path == "" && opts.Quiet {
		path = DefaultFile()
	}
	if path == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(f)
	return logger, f, nil
}
