package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Info message content not found in output")
	}

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("warn message")
	if buf.Len() > 0 {
		t.Error("Warn message was logged when level is ERROR")
	}
	if logger.GetLevel() != ERROR {
		t.Errorf("GetLevel() = %v, want ERROR", logger.GetLevel())
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithComponent("cache").
		WithField("token", "abc1").
		Info("entry evicted", map[string]interface{}{
			"size":  int64(42),
			"error": errors.New("boom"),
		})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["message"] != "entry evicted" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["component"] != "cache" || entry["token"] != "abc1" {
		t.Errorf("missing context fields: %v", entry)
	}
	if entry["size"] != float64(42) || entry["error"] != "boom" {
		t.Errorf("missing call fields: %v", entry)
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestComponentLevelOverride(t *testing.T) {
	logger, buf := newTestLogger(t, WARN, FormatText)
	logger.SetComponentLevel("sweeper", DEBUG)

	logger.WithComponent("api").Info("hidden")
	if buf.Len() > 0 {
		t.Fatal("api info should be filtered by the global level")
	}

	logger.WithComponent("sweeper").Debugf("swept %d records", 3)
	if !strings.Contains(buf.String(), "swept 3 records") {
		t.Errorf("sweeper debug should pass the component override: %q", buf.String())
	}
}

func TestRotationWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "filecdn.log")
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:    INFO,
		Format:   FormatJSON,
		Rotation: &RotationConfig{Filename: path, MaxSizeMB: 1, MaxBackups: 1},
	})
	if err != nil {
		t.Fatalf("NewStructuredLogger: %v", err)
	}
	logger.Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("unexpected log file content: %s", data)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.WithComponent("x").Error("ignored")
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
