package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Setup("info", "json", &buf)

	slog.Info("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line not valid JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["key"] != "value" {
		t.Errorf("log entry = %v, want msg=hello key=value", entry)
	}
}

func TestSetupLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Setup("warn", "text", &buf)

	slog.Info("suppressed")
	slog.Warn("emitted")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("info line emitted at warn level: %s", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestSetupDefaults(t *testing.T) {
	var buf bytes.Buffer
	Setup("bogus", "bogus", &buf)

	// Unknown level falls back to info, unknown format to text.
	slog.Debug("hidden")
	slog.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line emitted at default level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("info line missing: %s", out)
	}
}
