package config

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.Logger
)

// InitLogger initializes the global logger. Fields are attached to every
// entry, typically the node ID and cluster name.
func InitLogger(fields ...zap.Field) error {
	config := zap.NewProductionConfig()

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = ""
	config.Level = zap.NewAtomicLevelAt(ParseLevel(os.Getenv("LOG_LEVEL")))

	var err error
	Logger, err = config.Build(zap.AddCaller(), zap.Fields(fields...))
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(Logger)
	return nil
}

// ParseLevel maps a LOG_LEVEL value to a zap level, falling back to info
func ParseLevel(s string) zapcore.Level {
	level := zapcore.InfoLevel
	if s == "" {
		return level
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if Logger == nil {
		Logger = zap.NewExample()
		zap.ReplaceGlobals(Logger)
	}
	return Logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
