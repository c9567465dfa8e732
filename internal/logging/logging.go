// Package logging builds the structured logger shared by the CLI, the
// sync engine and the server.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Rotation limits for log files.
const (
	MaxSizeMB  = 20
	MaxBackups = 5
	MaxAgeDays = 30
)

// New returns a logger configured from cfg. Output goes to console unless
// cfg.File is set, in which case it goes to a rotated file. The returned
// closer releases the file and is safe to call when there is none.
func New(cfg types.LogConfig, console io.Writer) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(orDefault(cfg.Level, types.DefaultLogLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrLogLevelUnknown, cfg.Level)
	}
	l.SetLevel(level)

	switch orDefault(cfg.Format, types.DefaultLogFormat) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("%w: %s", types.ErrLogFormatUnknown, cfg.Format)
	}

	if cfg.File == "" {
		l.SetOutput(console)
		return l, nopCloser{}, nil
	}
	rot := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
		MaxAge:     MaxAgeDays,
	}
	l.SetOutput(rot)
	return l, rot, nil
}

// Discard returns a logger that writes nothing.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
