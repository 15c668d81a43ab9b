package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/loqui-im/callsig/internal/config"
	"github.com/loqui-im/callsig/internal/coordinator"
	"github.com/loqui-im/callsig/internal/metrics"
	"github.com/loqui-im/callsig/internal/session"
	"github.com/loqui-im/callsig/internal/signaling"
)

// stubController scripts the coordinator surface the handlers depend on.
type stubController struct {
	initiateErr error
	answerErr   error
	hangupErr   error
	declineErr  error

	snap    session.Snapshot
	hasSnap bool

	lastRemote session.Party
	lastKind   signaling.MediaKind
}

func (s *stubController) Initiate(_ context.Context, remote session.Party, kind signaling.MediaKind) error {
	s.lastRemote = remote
	s.lastKind = kind
	return s.initiateErr
}

func (s *stubController) Answer(context.Context) error  { return s.answerErr }
func (s *stubController) Hangup(context.Context) error  { return s.hangupErr }
func (s *stubController) Decline(context.Context) error { return s.declineErr }

func (s *stubController) Snapshot() (session.Snapshot, bool) { return s.snap, s.hasSnap }

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, calls Controller, mets *metrics.Metrics) (baseURL string) {
	t.Helper()

	if mets == nil {
		mets = metrics.New()
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, calls, mets)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("get %s: status=%d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func postJSON(t *testing.T, url string, payload string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("post %s: status=%d, want %d (body %s)", url, resp.StatusCode, wantStatus, raw)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), &stubController{}, nil)

	t.Run("healthz", func(t *testing.T) {
		body := getJSON(t, baseURL+"/healthz", http.StatusOK)
		if body["ok"] != true {
			t.Fatalf("body=%v", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		body := getJSON(t, baseURL+"/readyz", http.StatusOK)
		if body["ready"] != true {
			t.Fatalf("body=%v", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		body := getJSON(t, baseURL+"/version", http.StatusOK)
		if body["commit"] != "abc" {
			t.Fatalf("body=%v", body)
		}
	})
}

func TestStateEndpoint(t *testing.T) {
	t.Run("no call yet", func(t *testing.T) {
		baseURL := startTestServer(t, testConfig(), &stubController{}, nil)
		body := getJSON(t, baseURL+"/state", http.StatusOK)
		if body["call"] != nil {
			t.Fatalf("call=%v, want null", body["call"])
		}
	})

	t.Run("active call", func(t *testing.T) {
		ctrl := &stubController{
			snap: session.Snapshot{
				CallID:    "c1",
				Direction: session.DirectionIncoming,
				Status:    session.StatusRinging,
				Remote:    session.Party{ID: "alice"},
				MediaKind: signaling.MediaKindAudio,
			},
			hasSnap: true,
		}
		baseURL := startTestServer(t, testConfig(), ctrl, nil)
		body := getJSON(t, baseURL+"/state", http.StatusOK)
		call, ok := body["call"].(map[string]any)
		if !ok {
			t.Fatalf("call=%v", body["call"])
		}
		if call["callId"] != "c1" || call["status"] != "ringing" {
			t.Fatalf("call=%v", call)
		}
	})
}

func TestInitiateCall(t *testing.T) {
	ctrl := &stubController{
		snap:    session.Snapshot{Status: session.StatusInitiating, Direction: session.DirectionOutgoing},
		hasSnap: true,
	}
	baseURL := startTestServer(t, testConfig(), ctrl, nil)

	body := postJSON(t, baseURL+"/call", `{"recipientId":"bob","label":"Bob","mediaKind":"video"}`, http.StatusOK)
	if _, ok := body["call"]; !ok {
		t.Fatalf("body=%v", body)
	}
	if ctrl.lastRemote.ID != "bob" || ctrl.lastRemote.Label != "Bob" {
		t.Fatalf("remote=%+v", ctrl.lastRemote)
	}
	if ctrl.lastKind != signaling.MediaKindVideo {
		t.Fatalf("kind=%s", ctrl.lastKind)
	}
}

func TestInitiateValidation(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), &stubController{}, nil)

	t.Run("missing recipient", func(t *testing.T) {
		postJSON(t, baseURL+"/call", `{"mediaKind":"audio"}`, http.StatusBadRequest)
	})
	t.Run("bad media kind", func(t *testing.T) {
		postJSON(t, baseURL+"/call", `{"recipientId":"bob","mediaKind":"telepathy"}`, http.StatusBadRequest)
	})
	t.Run("unknown field", func(t *testing.T) {
		postJSON(t, baseURL+"/call", `{"recipientId":"bob","mediaKind":"audio","extra":1}`, http.StatusBadRequest)
	})
	t.Run("trailing data", func(t *testing.T) {
		postJSON(t, baseURL+"/call", `{"recipientId":"bob","mediaKind":"audio"}{}`, http.StatusBadRequest)
	})
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		ctrl       *stubController
		path       string
		wantStatus int
	}{
		{"busy", &stubController{initiateErr: coordinator.ErrBusy}, "/call", http.StatusConflict},
		{"transport down", &stubController{initiateErr: coordinator.ErrTransportDown}, "/call", http.StatusServiceUnavailable},
		{"answer without call", &stubController{answerErr: coordinator.ErrNoCall}, "/answer", http.StatusNotFound},
		{"answer wrong state", &stubController{answerErr: session.ErrWrongState}, "/answer", http.StatusConflict},
		{"hangup without call", &stubController{hangupErr: coordinator.ErrNoCall}, "/hangup", http.StatusNotFound},
		{"decline without call", &stubController{declineErr: coordinator.ErrNoCall}, "/decline", http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			baseURL := startTestServer(t, testConfig(), tc.ctrl, nil)
			payload := ""
			if tc.path == "/call" {
				payload = `{"recipientId":"bob","mediaKind":"audio"}`
			}
			body := postJSON(t, baseURL+tc.path, payload, tc.wantStatus)
			if body["error"] == "" {
				t.Fatalf("expected error body, got %v", body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mets := metrics.New()
	mets.Inc(metrics.CallStarted)
	baseURL := startTestServer(t, testConfig(), &stubController{}, mets)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), metrics.CallStarted) {
		t.Fatalf("metrics body missing %s:\n%s", metrics.CallStarted, raw)
	}
}
