package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	logger.With("component", "test").Info("hello", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["component"] != "test" || record["key"] != "value" {
		t.Fatalf("unexpected fields: %+v", record)
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Info("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected text output to contain message, got %q", buf.String())
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "bogus", Format: "json", Output: &buf})
	logger.Debug("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at default info level, got %q", buf.String())
	}
	logger.Info("should appear")
	if buf.Len() == 0 {
		t.Fatalf("expected info to pass at default level")
	}
}
