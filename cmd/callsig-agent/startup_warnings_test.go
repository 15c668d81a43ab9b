package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqui-im/callsig/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return stringsJoin(h.groups, ".") + "." + k
}

func stringsJoin(parts []string, sep string) string {
	// Small local helper to avoid pulling in strings for tests that don't need it.
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func TestStartupSecurityWarnings_EmptyAuthToken(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:         config.ModeDev,
		ListenAddr:   "127.0.0.1:8321",
		SignalingURL: "wss://sig.example.com/ws",
	}

	logStartupSecurityWarnings(logger, cfg)

	if !warningCodes(records())["auth_token_empty"] {
		t.Fatalf("expected warning_code=auth_token_empty, got %#v", records())
	}
}

func TestStartupSecurityWarnings_CleartextSignalingInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:         config.ModeProd,
		ListenAddr:   "127.0.0.1:8321",
		SignalingURL: "ws://sig.example.com/ws",
		AuthToken:    "secret",
	}

	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	if !codes["signaling_cleartext"] {
		t.Fatalf("expected warning_code=signaling_cleartext, got %#v", records())
	}
	if codes["auth_token_empty"] {
		t.Fatalf("unexpected auth_token_empty warning with token set")
	}
}

func TestStartupSecurityWarnings_CleartextSignalingDevIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:         config.ModeDev,
		ListenAddr:   "127.0.0.1:8321",
		SignalingURL: "ws://localhost:9000/ws",
		AuthToken:    "secret",
	}

	logStartupSecurityWarnings(logger, cfg)

	if warningCodes(records())["signaling_cleartext"] {
		t.Fatalf("dev mode should not warn about cleartext signaling")
	}
}

func TestStartupSecurityWarnings_ExposedControlAPI(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:         config.ModeProd,
		ListenAddr:   "0.0.0.0:8321",
		SignalingURL: "wss://sig.example.com/ws",
		AuthToken:    "secret",
	}

	logStartupSecurityWarnings(logger, cfg)

	if !warningCodes(records())["control_api_exposed"] {
		t.Fatalf("expected warning_code=control_api_exposed, got %#v", records())
	}
}

func TestListenAddrIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8321", true},
		{"localhost:8321", true},
		{"[::1]:8321", true},
		{"0.0.0.0:8321", false},
		{"192.168.1.5:8321", false},
		{"no-port", false},
	}
	for _, tc := range tests {
		if got := listenAddrIsLoopback(tc.addr); got != tc.want {
			t.Errorf("listenAddrIsLoopback(%q)=%v, want %v", tc.addr, got, tc.want)
		}
	}
}
