// Package logging builds the zap logger used across the pipeline. One
// logger instance is constructed per project directory and passed down
// explicitly; there is no package-level logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr and to <rpDir>/state/hook.log.
// debug flips the level to Debug. When the log file cannot be created the
// logger degrades to stderr only.
func New(rpDir string, debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	outputs := []string{"stderr"}
	if rpDir != "" {
		logPath := filepath.Join(rpDir, "state", "hook.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
			outputs = append(outputs, logPath)
		}
	}
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
