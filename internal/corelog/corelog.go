// Package corelog builds the process-wide structured logger.
//
// Replaces a hand-rolled RotatingFileWriter + stdlib log with
// go.uber.org/zap over a lumberjack rotating writer, the level-aware
// logger a bare LogLevel config field was waiting for.
package corelog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger. Zero value is valid and logs to stdout
// only, at info level.
type Options struct {
	File        string // rotating log file path; empty disables file output
	MaxBytes    int    // rotate once the file exceeds this many bytes
	BackupCount int    // number of rotated files to retain
	ToStdout    bool
	Level       string // "debug", "info", "warn", "error"; default "info"
}

// New builds a *zap.SugaredLogger per opts. The returned func must be
// called on shutdown to flush buffered log entries.
func New(opts Options) (*zap.SugaredLogger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	var cores []zapcore.Core

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxMB(opts.MaxBytes),
			MaxBackups: opts.BackupCount,
			Compress:   false,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	if opts.ToStdout || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	sugar := logger.Sugar()

	cleanup := func() {
		_ = sugar.Sync()
	}
	return sugar, cleanup, nil
}

// maxMB converts a byte threshold (as configuration expresses it) into
// the megabyte units lumberjack.Logger.MaxSize expects, rounding up so
// a configured threshold is never silently relaxed.
func maxMB(maxBytes int) int {
	if maxBytes <= 0 {
		return 0
	}
	const mb = 1024 * 1024
	mbVal := (maxBytes + mb - 1) / mb
	if mbVal < 1 {
		mbVal = 1
	}
	return mbVal
}
