// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging interface. All services receive a
// Logger via dependency injection; nothing logs through the zap globals.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Error(args ...interface{})

	// Benchmark records how long a named stage took.
	Benchmark(name string, elapsed time.Duration)

	Sync() error
}

type applicationLogger struct {
	sugar *zap.SugaredLogger
}

// LoggerOption configures NewApplicationLogger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level    zapcore.Level
	filePath string
}

// WithLevel sets the minimum log level ("debug", "info", "warn", "error").
// Unknown values fall back to info.
func WithLevel(level string) LoggerOption {
	return func(c *loggerConfig) {
		if l, err := zapcore.ParseLevel(level); err == nil {
			c.level = l
		}
	}
}

// WithRotatingFile additionally writes logs to the given file, rotated by
// lumberjack (100MB, 5 backups, 30 days).
func WithRotatingFile(path string) LoggerOption {
	return func(c *loggerConfig) { c.filePath = path }
}

// NewApplicationLogger creates the standard zap-backed application logger.
// Console output always; file output only when WithRotatingFile is given.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{level: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.AddSync(os.Stdout),
			cfg.level,
		),
	}

	if cfg.filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotator),
			cfg.level,
		))
	}

	base := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{sugar: base.Sugar()}, nil
}

func (l *applicationLogger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}

func (l *applicationLogger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

func (l *applicationLogger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

func (l *applicationLogger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

func (l *applicationLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *applicationLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *applicationLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *applicationLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *applicationLogger) Info(args ...interface{}) {
	l.sugar.Info(args...)
}

func (l *applicationLogger) Error(args ...interface{}) {
	l.sugar.Error(args...)
}

func (l *applicationLogger) Benchmark(name string, elapsed time.Duration) {
	l.sugar.Debugw("benchmark", "stage", name, "elapsed", elapsed.String())
}

func (l *applicationLogger) Sync() error {
	return l.sugar.Sync()
}
