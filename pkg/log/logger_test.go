package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func decodeLast(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("decode %q: %v", lines[len(lines)-1], err)
	}
	return rec
}

func TestJSONRecordsCarryServiceAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "poold", "1.2.3", "info", "json")

	logger.WithComponent("protocol").
		WithMiner("sh1abc", "10.0.0.1").
		WithError(errors.New("boom")).
		Info("submit failed")

	rec := decodeLast(t, &buf)
	for key, want := range map[string]string{
		"service":     "poold",
		"version":     "1.2.3",
		"component":   "protocol",
		"miner_id":    "sh1abc",
		"remote_addr": "10.0.0.1",
		"error":       "boom",
		"msg":         "submit failed",
	} {
		if rec[key] != want {
			t.Errorf("%s = %v, want %q", key, rec[key], want)
		}
	}
	if logger.Service() != "poold" {
		t.Errorf("Service() = %q", logger.Service())
	}
}

func TestWithErrorNilKeepsLogger(t *testing.T) {
	logger := Discard()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestWithContextPicksUpIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "rewardd", "dev", "info", "json")

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, TraceIDKey, "trace-9")
	logger.WithContext(ctx).Info("tick")

	rec := decodeLast(t, &buf)
	if rec["request_id"] != "req-1" || rec["trace_id"] != "trace-9" {
		t.Errorf("record = %v", rec)
	}
}

func TestLevelFiltersDebugHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "poold", "dev", "info", "text")

	logger.LogProtocolMessage("in", `{"type":"submit"}`)
	if buf.Len() != 0 {
		t.Errorf("debug record written at info level: %q", buf.String())
	}

	logger.LogPayout("tx1", 3, 1500, "sent")
	if !strings.Contains(buf.String(), "txid=tx1") || !strings.Contains(buf.String(), "total_sat=1500") {
		t.Errorf("payout record = %q", buf.String())
	}
}
