// Package logging provides config-driven categorized file-based logging for dpsweep.
// Logs are written to <state dir>/logs/ with separate files per category.
// Logging is controlled by logging.debug_mode in the config file - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup, config resolution
	CategorySweep   Category = "sweep"   // Grid selection and driver flow
	CategoryTrainer Category = "trainer" // Invocation building and trainer runs
	CategoryTactile Category = "tactile" // Process execution
	CategoryStore   Category = "store"   // Run ledger
)

// Settings mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	RequestID string         `json:"req,omitempty"` // Run correlation ID
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory under stateDir.
// Should be called once at startup.
func Initialize(stateDir string, s Settings) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	CloseAll()

	configMu.Lock()
	settings = s
	logLevel = parseLevel(s.Level)
	logsDir = filepath.Join(stateDir, "logs")
	configMu.Unlock()

	if !s.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== dpsweep logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	if len(s.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	for cat, enabled := range s.Categories {
		boot.Debug("Category '%s': %v", cat, enabled)
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
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

func jsonFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.JSONFormat
}

func currentLevel() int {
	configMu.RLock()
	defer configMu.RUnlock()
	return logLevel
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()
	if dir == "" {
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

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	logPath := filepath.Join(dir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, name, requestID, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	if level != LevelError && currentLevel() > level {
		return
	}
	if jsonFormat() {
		entry := StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     name,
			Message:   msg,
			RequestID: requestID,
			Fields:    fields,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	prefix := ""
	if requestID != "" {
		prefix = "[run:" + requestID + "] "
	}
	if len(fields) > 0 {
		l.logger.Printf("[%s] %s%s | %v", upper(name), prefix, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s%s", upper(name), prefix, msg)
}

func upper(level string) string {
	switch level {
	case "debug":
		return "DEBUG"
	case "warn":
		return "WARN"
	case "error":
		return "ERROR"
	}
	return "INFO"
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...any) {
	l.write(LevelDebug, "debug", "", fmt.Sprintf(format, args...), nil)
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...any) {
	l.write(LevelInfo, "info", "", fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...any) {
	l.write(LevelWarn, "warn", "", fmt.Sprintf(format, args...), nil)
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, "error", "", fmt.Sprintf(format, args...), nil)
}

// StructuredLog writes an info entry with custom fields
func (l *Logger) StructuredLog(msg string, fields map[string]any) {
	l.write(LevelInfo, "info", "", msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...any)  { Get(CategoryBoot).Warn(format, args...) }

func Sweep(format string, args ...any)      { Get(CategorySweep).Info(format, args...) }
func SweepDebug(format string, args ...any) { Get(CategorySweep).Debug(format, args...) }
func SweepWarn(format string, args ...any)  { Get(CategorySweep).Warn(format, args...) }
func SweepError(format string, args ...any) { Get(CategorySweep).Error(format, args...) }

func Trainer(format string, args ...any)      { Get(CategoryTrainer).Info(format, args...) }
func TrainerDebug(format string, args ...any) { Get(CategoryTrainer).Debug(format, args...) }
func TrainerWarn(format string, args ...any)  { Get(CategoryTrainer).Warn(format, args...) }

func Tactile(format string, args ...any)      { Get(CategoryTactile).Info(format, args...) }
func TactileDebug(format string, args ...any) { Get(CategoryTactile).Debug(format, args...) }
func TactileWarn(format string, args ...any)  { Get(CategoryTactile).Warn(format, args...) }
func TactileError(format string, args ...any) { Get(CategoryTactile).Error(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...any)  { Get(CategoryStore).Warn(format, args...) }

// =============================================================================
// RUN ID TRACING
// =============================================================================

// RequestLogger tags every line with a run ID.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]any
}

// WithRequestID creates a run-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]any),
	}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value any) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) Debug(format string, args ...any) {
	r.logger.write(LevelDebug, "debug", r.requestID, fmt.Sprintf(format, args...), r.fields)
}

func (r *RequestLogger) Info(format string, args ...any) {
	r.logger.write(LevelInfo, "info", r.requestID, fmt.Sprintf(format, args...), r.fields)
}

func (r *RequestLogger) Warn(format string, args ...any) {
	r.logger.write(LevelWarn, "warn", r.requestID, fmt.Sprintf(format, args...), r.fields)
}

func (r *RequestLogger) Error(format string, args ...any) {
	r.logger.write(LevelError, "error", r.requestID, fmt.Sprintf(format, args...), r.fields)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
