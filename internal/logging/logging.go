// Package logging builds the process-wide zap logger. Long-running
// processes (worker, scheduler, serve) log JSON to a rotated file plus
// console; one-shot CLI commands log to stderr only.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	Level      string // DEBUG, INFO, WARNING, ERROR
	File       string // rotated log file; empty disables file output
	MaxSizeMB  int
	MaxBackups int
	Console    bool // also log human-readable output to stderr
}

// ParseLevel maps the deployment contract's level names onto zap levels.
// WARNING is accepted as an alias for WARN.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO", "":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// New constructs a logger from opts.
func New(opts Options) *zap.Logger {
	level := ParseLevel(opts.Level)

	var cores []zapcore.Core
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "ts"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(enc),
			zapcore.AddSync(rotated),
			level,
		))
	}
	if opts.Console || opts.File == "" {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(enc),
			zapcore.Lock(os.Stderr),
			level,
		))
	}
	return zap.New(zapcore.NewTee(cores...))
}

// NewNop returns a no-op logger for tests.
func NewNop() *zap.Logger { return zap.NewNop() }
