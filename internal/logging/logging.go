// Package logging builds the console zap logger shared by the amq library's
// default logger and the amqdemo CLI.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config configures Init. The zero value selects info level.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

// Init builds a console-encoded logger, colorized when stderr is a terminal.
// A nil cfg selects Config{}'s defaults.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	if cfg == nil {
		cfg = &Config{Level: zap.InfoLevel}
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), zapCfg.Level, nil
}
