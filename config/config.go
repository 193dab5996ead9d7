// This package defines a common config struct which can be used by any subsystem within wren.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                 bool
	RootDir               string
	SubmitAttempts        int
	ChallengeWaitMs       int64
	IdentityErrorWindowMs int64
	MissingDeviceWindowMs int64
	LookupTimeoutMs       int64
	RetryBackoffMs        int64
	LoggingPrefix         string
	writer                io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithSubmitAttempts(n int) Option {
	return func(c *Config) {
		c.SubmitAttempts = n
	}
}

func WithChallengeWaitMs(n int64) Option {
	return func(c *Config) {
		c.ChallengeWaitMs = n
	}
}

func WithIdentityErrorWindowMs(n int64) Option {
	return func(c *Config) {
		c.IdentityErrorWindowMs = n
	}
}

func WithMissingDeviceWindowMs(n int64) Option {
	return func(c *Config) {
		c.MissingDeviceWindowMs = n
	}
}

func WithLookupTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.LookupTimeoutMs = n
	}
}

func WithRetryBackoffMs(n int64) Option {
	return func(c *Config) {
		c.RetryBackoffMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		SubmitAttempts:        3,
		ChallengeWaitMs:       10000,
		IdentityErrorWindowMs: 300000,
		MissingDeviceWindowMs: 60000,
		LookupTimeoutMs:       5000,
		RetryBackoffMs:        500,
		LoggingPrefix:         "",
		RootDir:               ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	c.writer = writer
	return c
}
