package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testConfig(buf *bytes.Buffer) *Config {
	return &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	driverLogger := logger.WithDriver("mem")
	driverLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "driver=mem") {
		t.Errorf("Expected driver=mem in output, got: %s", output)
	}

	buf.Reset()
	queueLogger := driverLogger.WithQueue(true)
	queueLogger.Info("queue message")

	output = buf.String()
	if !strings.Contains(output, "driver=mem") {
		t.Errorf("Expected driver=mem in queue logger output, got: %s", output)
	}
	if !strings.Contains(output, "queue=poll") {
		t.Errorf("Expected queue=poll in output, got: %s", output)
	}

	buf.Reset()
	logger.WithQueue(false).Info("standard queue")
	if output = buf.String(); !strings.Contains(output, "queue=standard") {
		t.Errorf("Expected queue=standard in output, got: %s", output)
	}
}

func TestLoggerWithTag(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	logger.WithTag(123).Debug("processing request")

	output := buf.String()
	if !strings.Contains(output, "tag=123") {
		t.Errorf("Expected tag=123 in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	testErr := errors.New("test error")
	logger.WithError(testErr).Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	config := testConfig(&buf)
	config.Level = LevelWarn
	logger := NewLogger(config)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("visible warning")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("Messages below the level leaked: %s", output)
	}
	if !strings.Contains(output, "visible warning") {
		t.Errorf("Expected warning in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(testConfig(&buf)))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if output = buf.String(); !strings.Contains(output, "info message") {
		t.Errorf("Expected info message, got: %s", output)
	}

	buf.Reset()
	Warn("warning message")
	if output = buf.String(); !strings.Contains(output, "warning message") {
		t.Errorf("Expected warning message, got: %s", output)
	}

	buf.Reset()
	Error("error message")
	if output = buf.String(); !strings.Contains(output, "error message") {
		t.Errorf("Expected error message, got: %s", output)
	}
}
