package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLogHandler_Handle(t *testing.T) {
	ts := time.Date(2025, 3, 10, 9, 15, 30, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "backup-20250310T091530Z",
			level:   slog.LevelInfo,
			message: "snapshot complete",
			want:    "2025-03-10T09:15:30Z\tINFO\tbackup-20250310T091530Z\tsnapshot complete\n",
		},
		{
			name:    "debug level",
			opID:    "gc-20250310T091530Z",
			level:   slog.LevelDebug,
			message: "scanning blob references",
			want:    "2025-03-10T09:15:30Z\tDEBUG\tgc-20250310T091530Z\tscanning blob references\n",
		},
		{
			name:    "with record attrs",
			opID:    "restore-20250310T091530Z",
			level:   slog.LevelInfo,
			message: "blob restored",
			attrs:   []slog.Attr{slog.String("blob_id", "abc"), slog.Int("chunks", 3)},
			want:    "2025-03-10T09:15:30Z\tINFO\trestore-20250310T091530Z\tblob restored\tblob_id=abc\tchunks=3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &logHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLogHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &logHandler{w: &buf, opID: "op-1"}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "blobstore")}).(*logHandler)

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "chunk written", 0)
	r.AddAttrs(slog.String("blob_id", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=blobstore") {
		t.Errorf("expected pre-set attr component=blobstore, got: %q", got)
	}
	if !strings.Contains(got, "blob_id=abc") {
		t.Errorf("expected record attr blob_id=abc, got: %q", got)
	}
}

func TestLogHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := &logHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*logHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestLogHandler_Enabled(t *testing.T) {
	h := &logHandler{}
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !h.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false, want true", level)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-op")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
	if f == nil {
		t.Fatal("newLogger() returned nil file")
	}
}
