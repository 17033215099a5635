// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger on stderr. verbose forces debug
// level; otherwise level (default "info") applies.
func InitCLILogger(name string, verbose bool, level ...string) {
	lvl := "info"
	if len(level) > 0 && strings.TrimSpace(level[0]) != "" {
		lvl = level[0]
	}
	if verbose {
		lvl = "debug"
	}
	logger, err := NewLogger(name, lvl, zapcore.Lock(os.Stderr))
	if err != nil {
		logger, _ = NewLogger(name, "info", zapcore.Lock(os.Stderr))
		logger.Warn("invalid log level, using info", zap.String("level", lvl))
	}
	CLILogger = logger
}

// NewLogger builds a named console logger writing to ws.
func NewLogger(name, level string, ws zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, lvl)
	return zap.New(core).Named(name), nil
}

// Sync flushes the CLI logger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}
