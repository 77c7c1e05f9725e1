package objc

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the process-wide settings of the ownership layer.
type Config struct {
	// Finalizers installs a runtime finalizer on every Object so handles
	// that are dropped without Close still release their reference.
	Finalizers bool
	// LogLevel is the level used by NewDevelopmentLogger.
	LogLevel zapcore.Level
}

// DefaultConfig returns the defaults, with MPSGRAPH_FINALIZERS and
// MPSGRAPH_LOG_LEVEL applied when set.
func DefaultConfig() Config {
	cfg := Config{
		Finalizers: true,
		LogLevel:   zapcore.InfoLevel,
	}
	if v, ok := os.LookupEnv("MPSGRAPH_FINALIZERS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Finalizers = b
		}
	}
	if v, ok := os.LookupEnv("MPSGRAPH_LOG_LEVEL"); ok {
		if lvl, err := zapcore.ParseLevel(v); err == nil {
			cfg.LogLevel = lvl
		}
	}
	return cfg
}

var (
	config     atomic.Pointer[Config]
	configOnce sync.Once
)

func currentConfig() Config {
	configOnce.Do(func() {
		if config.Load() == nil {
			cfg := DefaultConfig()
			config.Store(&cfg)
		}
	})
	return *config.Load()
}

// Configure replaces the process-wide configuration. It affects handles
// created afterwards.
func Configure(cfg Config) {
	configOnce.Do(func() {})
	config.Store(&cfg)
}

// NewDevelopmentLogger builds a console logger at the configured level.
func NewDevelopmentLogger() (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(currentConfig().LogLevel)
	return zc.Build()
}
