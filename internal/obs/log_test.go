package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogEventEmitsJSON(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	LogEvent("reconciliation.sweep_failed", map[string]any{"error": "boom"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["event"] != "reconciliation.sweep_failed" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["error"] != "boom" {
		t.Fatalf("unexpected error field: %v", entry["error"])
	}
	if entry["ts"] == "" {
		t.Fatal("missing timestamp")
	}
}
