package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFormat defines the output encoding for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseLogFormat(s string) LogFormat {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

// RotationConfig configures size-based log file rotation.
type RotationConfig struct {
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StructuredLogger provides leveled logging with context fields and
// per-component level overrides on top of zap.
type StructuredLogger struct {
	mu              *sync.RWMutex
	level           *LogLevel
	componentLevels map[string]LogLevel
	component       string
	zl              *zap.Logger
	closer          io.Closer
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	IncludeStack  bool
	Rotation      *RotationConfig
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}

	var (
		sink   zapcore.WriteSyncer
		closer io.Closer
	)
	switch {
	case config.Rotation != nil && config.Rotation.Filename != "":
		if err := os.MkdirAll(filepath.Dir(config.Rotation.Filename), 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   config.Rotation.Filename,
			MaxSize:    config.Rotation.MaxSizeMB,
			MaxBackups: config.Rotation.MaxBackups,
			MaxAge:     config.Rotation.MaxAgeDays,
			Compress:   config.Rotation.Compress,
		}
		sink = zapcore.AddSync(lj)
		closer = lj
	case config.Output != nil:
		sink = zapcore.AddSync(config.Output)
	default:
		sink = zapcore.AddSync(os.Stdout)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if config.Format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	// Level filtering happens in isEnabled so component overrides can go
	// below the global level.
	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(zapcore.DebugLevel))

	opts := []zap.Option{}
	if config.IncludeCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	if config.IncludeStack {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	level := config.Level
	return &StructuredLogger{
		mu:              &sync.RWMutex{},
		level:           &level,
		componentLevels: make(map[string]LogLevel),
		zl:              zap.New(core, opts...),
		closer:          closer,
	}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	level := ERROR
	return &StructuredLogger{
		mu:              &sync.RWMutex{},
		level:           &level,
		componentLevels: make(map[string]LogLevel),
		zl:              zap.NewNop(),
	}
}

func (sl *StructuredLogger) derive(zl *zap.Logger, component string) *StructuredLogger {
	return &StructuredLogger{
		mu:              sl.mu,
		level:           sl.level,
		componentLevels: sl.componentLevels,
		component:       component,
		zl:              zl,
		closer:          sl.closer,
	}
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	component := sl.component
	if key == "component" {
		if s, ok := value.(string); ok {
			component = s
		}
	}
	return sl.derive(sl.zl.With(zap.Any(key, value)), component)
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	component := sl.component
	if s, ok := fields["component"].(string); ok {
		component = s
	}
	return sl.derive(sl.zl.With(toZapFields(fields)...), component)
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	*sl.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return *sl.level
}

func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.component != "" {
		if compLevel, ok := sl.componentLevels[sl.component]; ok {
			return level >= compLevel
		}
	}
	return level >= *sl.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}
	var fields []zap.Field
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		fields = toZapFields(fieldMaps[0])
	}
	switch level {
	case DEBUG:
		sl.zl.Debug(message, fields...)
	case INFO:
		sl.zl.Info(message, fields...)
	case WARN:
		sl.zl.Warn(message, fields...)
	default:
		sl.zl.Error(message, fields...)
	}
}

func toZapFields(m map[string]interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		if err, ok := v.(error); ok {
			fields = append(fields, zap.NamedError(k, err))
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(ERROR, message, fields...)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.log(DEBUG, fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.log(INFO, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.log(WARN, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.log(ERROR, fmt.Sprintf(format, args...))
}

// Sync flushes any buffered log entries
func (sl *StructuredLogger) Sync() error {
	return sl.zl.Sync()
}

// Close flushes and closes the rotating file, if any.
func (sl *StructuredLogger) Close() error {
	_ = sl.zl.Sync()
	if sl.closer != nil {
		return sl.closer.Close()
	}
	return nil
}
