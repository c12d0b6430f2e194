// Package logging builds the process-wide zap loggers: a general rolling
// file, an error-only rolling file, an optional console mirror, and a
// separate success stream that records completed work for reconciliation.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	generalLogName = "sync.log"
	errorLogName   = "errors.log"
	successLogName = "success.log"
)

// Options control sink construction.
type Options struct {
	Dir     string // log directory, created if missing
	Verbose bool   // debug level on the general sinks
	Console bool   // mirror the general stream to stderr
}

// Set bundles the application loggers.
type Set struct {
	App     *zap.Logger // general + error sinks
	Success *zap.Logger // success-only channel
}

// New builds the logger set. The error file receives Error and above from
// the App logger; the success logger writes only to its own file.
func New(opts Options) (*Set, error) {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	fileEnc := zapcore.NewJSONEncoder(fileEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(fileEnc, rollingSink(filepath.Join(opts.Dir, generalLogName)), level),
		zapcore.NewCore(fileEnc, rollingSink(filepath.Join(opts.Dir, errorLogName)), zapcore.ErrorLevel),
	}
	if opts.Console {
		consoleEnc := zapcore.NewConsoleEncoder(consoleEncoderConfig())
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level))
	}

	app := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	success := zap.New(zapcore.NewCore(fileEnc, rollingSink(filepath.Join(opts.Dir, successLogName)), zapcore.InfoLevel))

	return &Set{App: app, Success: success}, nil
}

// Sync flushes buffered entries on all sinks.
func (s *Set) Sync() {
	if s == nil {
		return
	}
	_ = s.App.Sync()
	_ = s.Success.Sync()
}

// Critical logs at Error with a severity marker so operators can grep the
// error stream for conditions that need manual intervention.
func Critical(l *zap.Logger, msg string, fields ...zap.Field) {
	l.Error(msg, append(fields, zap.String("severity", "critical"))...)
}

func rollingSink(path string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	})
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}
