package ops

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sandwichfarm/castfeed/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *config.Logging
	}{
		{
			name: "text format",
			config: &config.Logging{
				Level:  "info",
				Format: "text",
			},
		},
		{
			name: "json format",
			config: &config.Logging{
				Level:  "debug",
				Format: "json",
			},
		},
		{
			name: "warn level",
			config: &config.Logging{
				Level:  "warn",
				Format: "text",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("expected logger to be created")
			}

			if logger.format != tt.config.Format {
				t.Errorf("expected format %s, got %s", tt.config.Format, logger.format)
			}
		})
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logging{
		Level:  "info",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	componentLogger := logger.WithComponent("test-component")

	componentLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected log output to contain 'test message', got: %s", output)
	}

	if !strings.Contains(output, "component") {
		t.Errorf("expected log output to contain 'component', got: %s", output)
	}
}

func TestIsDebugEnabled(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected bool
	}{
		{"debug level", "debug", true},
		{"info level", "info", false},
		{"warn level", "warn", false},
		{"error level", "error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(&config.Logging{
				Level:  tt.level,
				Format: "text",
			})

			if logger.IsDebugEnabled() != tt.expected {
				t.Errorf("expected IsDebugEnabled to be %v, got %v", tt.expected, logger.IsDebugEnabled())
			}
		})
	}
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logging{
		Level:  "debug",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)

	// Test all helper methods don't panic
	logger.LogStorageOperation("upsert", 100, nil)
	logger.LogHubRequest("castById", 3, 50, nil)
	logger.LogIngest("cast", "3:0xabc", "stored", 20)
	logger.LogFanout("3:0xabc", 4, 0)
	logger.LogReconcile(3, 12, 5000, nil)
	logger.LogReconcileMismatch(3, "casts", "relational", 10, 9)
	logger.LogCacheOperation("get", "test-key", true)
	logger.LogQueueJob("job-1", "message", 1, nil)
	logger.LogAPIRequest("GET", "/v1/casts/0xabc", 200, 3)
	logger.LogStartup("v1.0.0", "abc123", map[string]interface{}{"key": "value"})
	logger.LogShutdown("test shutdown")

	output := buf.String()
	if output == "" {
		t.Error("expected log output, got empty string")
	}
}

func TestLogReconcileMismatchFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&config.Logging{Level: "info", Format: "json"}, &buf)

	logger.LogReconcileMismatch(42, "links", "document", 7, 5)

	output := buf.String()
	for _, want := range []string{`"fid":42`, `"kind":"links"`, `"store":"document"`, `"expected":7`, `"actual":5`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %s, got: %s", want, output)
		}
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.IsDebugEnabled() {
		t.Error("discard logger should not enable debug")
	}
	logger.Error("dropped")
}
