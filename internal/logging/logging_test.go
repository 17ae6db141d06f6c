package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, Component: "test"})

	l.Info("authentication attempt", "identity", "alice", "confidence", 0.97)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "authentication attempt" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["component"] != "test" {
		t.Errorf("component = %v", record["component"])
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "text", Output: &buf})

	l.Info("failsafe setup", "secret", "hunter2", "developer_secret", "hunter2", "identity", "alice")

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("secret value leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in log: %s", out)
	}
	if !strings.Contains(out, "alice") {
		t.Errorf("non-sensitive value missing from log: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", Format: "text", Output: &buf})

	l.Info("should be filtered")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info record emitted at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}
