// Package logging provides config-driven categorized logging for browserNERD.
// Each category gets its own zap logger. In debug mode every category writes
// to <logs_dir>/<date>_<category>.log; outside debug mode Get returns a no-op
// logger so production runs stay silent unless the CLI logger is used.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // Boot/initialization
	CategorySecrets Category = "secrets" // Secret store loading, scope validation
	CategoryScoping Category = "scoping" // Placeholder filtering and resolution
	CategoryStorage Category = "storage" // Storage state load/save/checkpoints
	CategoryBrowser Category = "browser" // Browser control surface
	CategoryActions Category = "actions" // Action dispatch
)

// Config mirrors config.LoggingConfig to avoid circular imports.
type Config struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Dir        string
	Categories map[string]bool
}

var (
	loggers   = make(map[Category]*zap.Logger)
	files     []*os.File
	loggersMu sync.RWMutex
	config    Config
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize applies the logging config. Should be called once at startup.
// With DebugMode off it is a no-op apart from recording the config.
func Initialize(cfg Config) error {
	CloseAll()

	configMu.Lock()
	config = cfg
	configMu.Unlock()

	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	if !cfg.DebugMode {
		return nil
	}
	if cfg.Dir == "" {
		return fmt.Errorf("logs directory required in debug mode")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("logging initialized",
		zap.String("dir", cfg.Dir),
		zap.String("level", lvl.String()),
		zap.Bool("json", cfg.JSONFormat))
	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *zap.Logger {
	if !IsCategoryEnabled(category) {
		return zap.NewNop()
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	cfg := config
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return zap.NewNop()
	}
	files = append(files, file)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l := zap.New(zapcore.NewCore(enc, zapcore.AddSync(file), level)).
		With(zap.String("cat", string(category)))
	loggers[category] = l
	return l
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.Sync()
	}
	for _, f := range files {
		_ = f.Close()
	}
	files = nil
	loggers = make(map[Category]*zap.Logger)
}

// Or returns l when it is non-nil, otherwise the category logger.
func Or(l *zap.Logger, category Category) *zap.Logger {
	if l != nil {
		return l
	}
	return Get(category)
}

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Sugar().Infof(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Sugar().Warnf(format, args...)
}
