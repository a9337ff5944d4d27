package ctxlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("empty context should yield the default logger")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if FromContext(WithLogger(context.Background(), l)) != l {
		t.Error("logger not carried through context")
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown", "stage", "read-fs")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["stage"] != "read-fs" {
		t.Errorf("record = %v", rec)
	}

	if _, err := New(&buf, "loud", "text"); err == nil {
		t.Error("expected level error")
	}
	if _, err := New(&buf, "info", "xml"); err == nil {
		t.Error("expected format error")
	}
}
