// Package logging provides config-driven categorized file-based logging for coursepilot.
// Logs are written to <workspace>/.pilot/logs/ with separate files per category.
// Logging is controlled by debug_mode - when false, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config, wiring
	CategoryPool     Category = "pool"     // Batch fan-out, counters, session handles
	CategoryWorkflow Category = "workflow" // Step loop, re-authentication
	CategoryLoader   Category = "loader"   // Unit resolution, dependency install, cache
	CategoryWatcher  Category = "watcher"  // File events and hot swaps
	CategoryBrowser  Category = "browser"  // Browser sessions
	CategoryStore    Category = "store"    // SQLite configuration store
	CategoryControl  Category = "control"  // Control surface requests
)

// Settings mirrors config.LoggingConfig to avoid an import cycle.
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	files     []*os.File
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	configMu  sync.RWMutex
)

// Initialize sets up the logging directory for a workspace.
// Should be called once at startup.
func Initialize(workspace string, s Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}
	CloseAll()

	configMu.Lock()
	settings = s
	logsDir = filepath.Join(workspace, ".pilot", "logs")
	level.SetLevel(parseLevel(s.Level))
	configMu.Unlock()

	if !s.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== coursepilot logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", level.Level())
	if len(s.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	dir, jsonFormat := logsDir, settings.JSONFormat
	configMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}
	files = append(files, file)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)

	l := &Logger{
		category: category,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Category returns the category the logger writes to.
func (l *Logger) Category() Category { return l.category }

// With returns a logger that attaches key/value pairs to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Errorf(format, args...)
	}
}

// CloseAll flushes and closes every open log file.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	for _, f := range files {
		_ = f.Close()
	}
	loggers = make(map[Category]*Logger)
	files = nil
}

// =============================================================================
// Convenience functions
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Pool(format string, args ...interface{})      { Get(CategoryPool).Info(format, args...) }
func PoolDebug(format string, args ...interface{}) { Get(CategoryPool).Debug(format, args...) }
func PoolWarn(format string, args ...interface{})  { Get(CategoryPool).Warn(format, args...) }
func PoolError(format string, args ...interface{}) { Get(CategoryPool).Error(format, args...) }

func Workflow(format string, args ...interface{})      { Get(CategoryWorkflow).Info(format, args...) }
func WorkflowDebug(format string, args ...interface{}) { Get(CategoryWorkflow).Debug(format, args...) }
func WorkflowWarn(format string, args ...interface{})  { Get(CategoryWorkflow).Warn(format, args...) }
func WorkflowError(format string, args ...interface{}) { Get(CategoryWorkflow).Error(format, args...) }

func Loader(format string, args ...interface{})      { Get(CategoryLoader).Info(format, args...) }
func LoaderDebug(format string, args ...interface{}) { Get(CategoryLoader).Debug(format, args...) }
func LoaderWarn(format string, args ...interface{})  { Get(CategoryLoader).Warn(format, args...) }
func LoaderError(format string, args ...interface{}) { Get(CategoryLoader).Error(format, args...) }

func Watcher(format string, args ...interface{})      { Get(CategoryWatcher).Info(format, args...) }
func WatcherDebug(format string, args ...interface{}) { Get(CategoryWatcher).Debug(format, args...) }
func WatcherWarn(format string, args ...interface{})  { Get(CategoryWatcher).Warn(format, args...) }
func WatcherError(format string, args ...interface{}) { Get(CategoryWatcher).Error(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func Control(format string, args ...interface{})      { Get(CategoryControl).Info(format, args...) }
func ControlDebug(format string, args ...interface{}) { Get(CategoryControl).Debug(format, args...) }
func ControlWarn(format string, args ...interface{})  { Get(CategoryControl).Warn(format, args...) }
func ControlError(format string, args ...interface{}) { Get(CategoryControl).Error(format, args...) }

// =============================================================================
// Timing
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer starts timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when the operation exceeded threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("SLOW: %s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	}
	return elapsed
}
