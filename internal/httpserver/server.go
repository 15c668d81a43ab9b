// Package httpserver exposes the local control API: call commands, the
// session state projection, health endpoints, and metrics. It binds to
// loopback by default; it is an operator surface, not a public one.
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/loqui-im/callsig/internal/config"
	"github.com/loqui-im/callsig/internal/coordinator"
	"github.com/loqui-im/callsig/internal/metrics"
	"github.com/loqui-im/callsig/internal/session"
	"github.com/loqui-im/callsig/internal/signaling"
)

var ErrServerClosed = http.ErrServerClosed

// maxBodyBytes bounds control-request bodies; call commands are tiny.
const maxBodyBytes = 4 << 10

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Controller is the slice of the coordinator the control API needs.
type Controller interface {
	Initiate(ctx context.Context, remote session.Party, kind signaling.MediaKind) error
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	Decline(ctx context.Context) error
	Snapshot() (session.Snapshot, bool)
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	calls Controller
	mets  *metrics.Metrics

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, calls Controller, mets *metrics.Metrics) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		calls: calls,
		mets:  mets,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

// initiateRequest is the body of POST /call.
type initiateRequest struct {
	RecipientID string `json:"recipientId"`
	Label       string `json:"label,omitempty"`
	MediaKind   string `json:"mediaKind"`
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.mets))

	s.mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := s.calls.Snapshot()
		if !ok {
			WriteJSON(w, http.StatusOK, map[string]any{"call": nil})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"call": snap})
	})

	s.mux.HandleFunc("POST /call", func(w http.ResponseWriter, r *http.Request) {
		var req initiateRequest
		if err := readJSON(r, &req); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if req.RecipientID == "" {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "recipientId is required"})
			return
		}
		kind, err := signaling.ParseMediaKind(req.MediaKind)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		remote := session.Party{ID: req.RecipientID, Label: req.Label}
		s.writeCommandResult(w, s.calls.Initiate(r.Context(), remote, kind))
	})

	s.mux.HandleFunc("POST /answer", func(w http.ResponseWriter, r *http.Request) {
		s.writeCommandResult(w, s.calls.Answer(r.Context()))
	})

	s.mux.HandleFunc("POST /hangup", func(w http.ResponseWriter, r *http.Request) {
		s.writeCommandResult(w, s.calls.Hangup(r.Context()))
	})

	s.mux.HandleFunc("POST /decline", func(w http.ResponseWriter, r *http.Request) {
		s.writeCommandResult(w, s.calls.Decline(r.Context()))
	})
}

// writeCommandResult maps coordinator errors onto the control API. The
// response body always includes the resulting call state so clients need
// no follow-up GET /state.
func (s *Server) writeCommandResult(w http.ResponseWriter, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, coordinator.ErrBusy), errors.Is(err, session.ErrWrongState):
			status = http.StatusConflict
		case errors.Is(err, coordinator.ErrNoCall):
			status = http.StatusNotFound
		case errors.Is(err, coordinator.ErrTransportDown), errors.Is(err, coordinator.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	snap, ok := s.calls.Snapshot()
	if !ok {
		WriteJSON(w, http.StatusOK, map[string]any{"call": nil})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"call": snap})
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data after JSON body")
	}
	return nil
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
