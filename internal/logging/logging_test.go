package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWriter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
	if !NewWriter(&buf, "debug", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info", "json").Info("escrow frozen", "escrow_id", "esc_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
	if rec["escrow_id"] != "esc_1" || rec["msg"] != "escrow frozen" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}
	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected 'req-123', got %q", id)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected the default logger")
	}
}

func TestL_CarriesRequestAndScope(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-9")
	ctx = With(ctx, "escrow_id", "esc_7")

	L(ctx).Info("released")
	out := buf.String()
	for _, want := range []string{"request_id=req-9", "escrow_id=esc_7", "msg=released"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}
