package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/google/uuid"

	"github.com/loqui-im/callsig/internal/config"
	"github.com/loqui-im/callsig/internal/coordinator"
	"github.com/loqui-im/callsig/internal/httpserver"
	"github.com/loqui-im/callsig/internal/media"
	"github.com/loqui-im/callsig/internal/metrics"
	"github.com/loqui-im/callsig/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. No sockets open until a call creates a PeerConnection.
	factory, err := media.NewFactory(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting callsig-agent",
		"listen_addr", cfg.ListenAddr,
		"agent_id", agentID,
		"mode", cfg.Mode,
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"ring_timeout", cfg.RingTimeout,
		"disconnect_grace", cfg.DisconnectGrace,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
	)

	logStartupSecurityWarnings(logger, cfg)

	mets := metrics.New()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	transport, err := signaling.Dial(dialCtx, signaling.ClientOptions{
		URL:                  cfg.SignalingURL,
		Origin:               cfg.SignalingOrigin,
		AgentID:              agentID,
		Token:                cfg.AuthToken,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		Logger:               logger,
		Metrics:              mets,
	})
	dialCancel()
	if err != nil {
		logger.Error("failed to connect to signaling server", "err", err)
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.Config{
		Transport:       transport,
		NewPeer:         factory.NewPeer,
		Logger:          logger,
		Metrics:         mets,
		RingTimeout:     cfg.RingTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("coordinator exited", "err", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, coord, mets)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		runCancel()
		<-coordDone
		_ = transport.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	// Hang up any active call before dropping the signaling connection.
	runCancel()
	select {
	case <-coordDone:
	case <-shutdownCtx.Done():
		logger.Warn("coordinator did not stop within shutdown timeout")
	}
	_ = transport.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
