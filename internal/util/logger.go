package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LoggerConfig selects the encoder and the fields stamped on every entry.
type LoggerConfig struct {
	// Env is "production" (JSON), "test" (discard) or anything else (console).
	Env     string
	Level   string
	Service string
	Version string
}

// InitLogger initializes the global logger
func InitLogger(cfg LoggerConfig) error {
	if cfg.Env == "test" {
		logger = zap.NewNop()
		zap.ReplaceGlobals(logger)
		return nil
	}

	var config zap.Config
	if cfg.Env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return err
		}
		config.Level = level
	}

	fields := map[string]interface{}{"env": cfg.Env}
	if cfg.Service != "" {
		fields["service"] = cfg.Service
	}
	if cfg.Version != "" {
		fields["version"] = cfg.Version
	}
	config.InitialFields = fields

	built, err := config.Build()
	if err != nil {
		return err
	}
	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
