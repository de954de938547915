package core

import (
	"os"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerModule provides the zap loggers into an Fx application.
var LoggerModule = fx.Options(
	fx.Provide(NewSugaredLogger),
	fx.Provide(NewLogger),
)

const _configKeyLogging = "logging"

// LoggingConfig is the logging section of the service configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

// NewLogger exposes the unsugared form of the service logger.
func NewLogger(sugar *zap.SugaredLogger) *zap.Logger {
	return sugar.Desugar()
}

// NewSugaredLogger builds the service logger from the logging config section.
func NewSugaredLogger(provider config.Provider) (*zap.SugaredLogger, error) {
	var lc LoggingConfig
	if err := provider.Get(_configKeyLogging).Populate(&lc); err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if lc.Level != "" {
		parsed, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if lc.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if lc.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	// Log to stderr: stdout stays clean in case the daemon is ever run with
	// its own stdio captured by a parent process.
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)

	opts := []zap.Option{}
	if lc.Development {
		opts = append(opts, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...).Sugar(), nil
}
