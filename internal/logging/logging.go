// Package logging builds the zap logger shared by every cell component.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls logger construction.
type Config struct {
	// Level is the initial logging level; it can be raised or lowered later
	// through the AtomicLevel returned by Init.
	Level zapcore.Level
	// Development enables human-friendlier stack traces and panics on DPanic.
	Development bool
}

// Init builds a SugaredLogger plus the AtomicLevel backing it. The level can
// be changed in-process at any time via AtomicLevel.SetLevel; callers that
// want to expose that as an operator control need to wire it up themselves —
// nothing in this package or the wire protocols does so automatically.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      cfg.Development,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), zcfg.Level, nil
}

// Nop returns a logger that discards everything, for tests and library
// defaults.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
