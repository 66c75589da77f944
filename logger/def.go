package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init installs the console logger. mode "development" selects the
// human-readable encoder, anything else JSON. level is a zap level name
// ("debug", "info", "warn", "error"); empty keeps the mode's default.
func Init(mode, lvl string) error {
	cfg := zap.NewProductionConfig()
	if mode == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", lvl, err)
		}
		cfg.Level.SetLevel(parsed)
	}
	level.SetLevel(cfg.Level.Level())
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": "safety-console"}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build %s logger: %w", mode, err)
	}
	setLogger(l)
	return nil
}

// Level is the threshold of the logger installed by Init. It can be
// changed at runtime.
func Level() zap.AtomicLevel {
	return level
}

// Set replaces the package logger; tests use it with zaptest/observer cores.
func Set(l *zap.Logger) {
	setLogger(l)
}

func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	// keep zap.L()/zap.S() pointing at the same instance
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log never returns nil; before Init it falls back to zap's global (no-op).
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
