package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/centichain/contribsync/pkg/utils"
)

// New builds the service logger from LOG_LEVEL (debug|info|warn|error) and
// LOG_ENCODING (json|console). Output goes to stdout, internal errors to stderr.
func New() (*zap.Logger, error) {
	cfg := Config(utils.Env("LOG_LEVEL", "info"), utils.Env("LOG_ENCODING", "json"))
	return cfg.Build(zap.Fields(zap.String("service", "contribsync")))
}

// Config returns the zap configuration for a level and encoding.
func Config(level, encoding string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = encoding
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	// debug runs are usually local
	cfg.Development = level == "debug"

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

// ParseLevel maps a LOG_LEVEL value to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
