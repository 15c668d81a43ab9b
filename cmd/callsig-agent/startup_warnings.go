package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/loqui-im/callsig/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthToken == "" {
		logger.Warn("startup security warning: no auth token configured; the signaling server will see an unauthenticated hello",
			"warning_code", "auth_token_empty",
			"mode", cfg.Mode,
		)
	}

	if u, err := url.Parse(cfg.SignalingURL); err == nil && u.Scheme == "ws" && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: signaling over cleartext ws:// in prod mode; offers, answers, and tokens are visible on the wire",
			"warning_code", "signaling_cleartext",
			"signaling_host", u.Host,
		)
	}

	if !listenAddrIsLoopback(cfg.ListenAddr) {
		logger.Warn("startup security warning: control API listening on a non-loopback address; anyone who can reach it can place and answer calls",
			"warning_code", "control_api_exposed",
			"listen_addr", cfg.ListenAddr,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE configuration is invalid; readiness will fail until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}

func listenAddrIsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func safeURLHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
