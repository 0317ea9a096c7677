package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/common/trace"
	"github.com/bdobrica/feelix/internal/feelix/observability"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := observability.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestForUser_TagsTraceAndHashedUser(t *testing.T) {
	var buf bytes.Buffer
	base := observability.New(&buf, "info", "json")
	ctx := trace.WithTraceID(context.Background(), "t_test")

	observability.ForUser(ctx, base, 4242).Info("turn admitted")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["trace_id"] != "t_test" {
		t.Errorf("trace_id: got %v", line["trace_id"])
	}
	if line["user"] != redact.UserTag(4242) {
		t.Errorf("user: got %v, want %v", line["user"], redact.UserTag(4242))
	}
	if strings.Contains(buf.String(), "4242") {
		t.Errorf("log line leaks raw user id: %s", buf.String())
	}
}

func TestNew_TextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := observability.New(&buf, "warn", "text")
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}
