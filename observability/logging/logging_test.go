package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWithOptionsWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions(Options{Service: "pactd", Env: "test", Writer: &buf, Level: slog.LevelInfo})
	logger.Debug("hidden")
	logger.Info("dispute opened", "dispute_id", "dispute-1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"service":    "pactd",
		"env":        "test",
		"message":    "dispute opened",
		"severity":   "INFO",
		"dispute_id": "dispute-1",
	}
	for key, value := range want {
		if line[key] != value {
			t.Fatalf("%s = %v, want %s", key, line[key], value)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestSetupWithOptionsRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pactd.log")
	logger := SetupWithOptions(Options{Service: "pactd", File: path, MaxBackups: 1})
	logger.Info("ready")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"ready"`)) {
		t.Fatalf("unexpected log file %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("dispute_id", "dispute-1"); attr.Value.String() != "dispute-1" {
		t.Fatalf("identifier masked: %v", attr)
	}
	if attr := MaskField("subject", "arbiter-7"); attr.Value.String() != Redacted {
		t.Fatalf("caller identity leaked: %v", attr)
	}
	if attr := MaskField("subject", " "); attr.Value.String() != " " {
		t.Fatalf("empty values stay as they are: %v", attr)
	}
}

func TestCredentialAttributesAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions(Options{Service: "pactd", Writer: &buf})
	logger.Info("auth configured",
		"hmac_secret", "s3cr3t",
		slog.Group("request", "Authorization", "Bearer abc"),
		"seed_hex", "00ff",
		"intent_id", "intent-1")
	out := buf.String()
	for _, leaked := range []string{"s3cr3t", "Bearer abc", "00ff"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("credential %q leaked: %s", leaked, out)
		}
	}
	if !strings.Contains(out, `"intent_id":"intent-1"`) {
		t.Fatalf("identifier missing: %s", out)
	}
	if strings.Count(out, Redacted) != 3 {
		t.Fatalf("expected three redactions: %s", out)
	}
}
