// Minimal signaling server for local end-to-end testing. It registers
// agents by the id in their hello event and routes call events between
// them: initiate gets a generated call id, offers and answers are
// forwarded to the other party, candidates are routed by targetId.
//
// Run two callsig-agent instances against it:
//
//	go run ./e2e/signaling-server-go &
//	CALLSIG_SIGNALING_URL=ws://127.0.0.1:9400/ws CALLSIG_AGENT_ID=alice CALLSIG_LISTEN_ADDR=127.0.0.1:8321 go run ./cmd/callsig-agent &
//	CALLSIG_SIGNALING_URL=ws://127.0.0.1:9400/ws CALLSIG_AGENT_ID=bob   CALLSIG_LISTEN_ADDR=127.0.0.1:8322 go run ./cmd/callsig-agent &
//	curl -s -X POST 127.0.0.1:8321/call -d '{"recipientId":"bob","mediaKind":"audio"}'
//	curl -s -X POST 127.0.0.1:8322/answer
//
// Not for production use: no auth, no origin checks, state held in memory.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type envelope struct {
	Type        string          `json:"type"`
	CallID      string          `json:"callId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	CallerID    string          `json:"callerId,omitempty"`
	CallerLabel string          `json:"callerLabel,omitempty"`
	TargetID    string          `json:"targetId,omitempty"`
	MediaKind   string          `json:"mediaKind,omitempty"`
	Offer       json.RawMessage `json:"offer,omitempty"`
	Answer      json.RawMessage `json:"answer,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	Token       string          `json:"token,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type agent struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (a *agent) send(ev envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.conn.WriteJSON(ev); err != nil {
		fmt.Fprintf(os.Stderr, "send to %s: %v\n", a.id, err)
	}
}

type call struct {
	callerID string
	calleeID string
}

type server struct {
	mu     sync.Mutex
	agents map[string]*agent
	calls  map[string]call
}

func newServer() *server {
	return &server{
		agents: make(map[string]*agent),
		calls:  make(map[string]call),
	}
}

func (s *server) lookup(id string) *agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[id]
}

func (s *server) handle(a *agent) {
	defer func() {
		s.mu.Lock()
		if s.agents[a.id] == a {
			delete(s.agents, a.id)
		}
		s.mu.Unlock()
		_ = a.conn.Close()
		fmt.Printf("agent %s disconnected\n", a.id)
	}()

	for {
		var ev envelope
		if err := a.conn.ReadJSON(&ev); err != nil {
			return
		}

		switch ev.Type {
		case "call:initiate":
			callee := s.lookup(ev.RecipientID)
			if callee == nil {
				a.send(envelope{Type: "error", Code: "recipient-offline", Message: "recipient not connected: " + ev.RecipientID})
				continue
			}
			callID := uuid.NewString()
			s.mu.Lock()
			s.calls[callID] = call{callerID: a.id, calleeID: callee.id}
			s.mu.Unlock()
			fmt.Printf("call %s: %s -> %s (%s)\n", callID, a.id, callee.id, ev.MediaKind)
			a.send(envelope{Type: "call:initiated", CallID: callID})
			callee.send(envelope{
				Type:      "call:incoming-offer",
				CallID:    callID,
				CallerID:  a.id,
				MediaKind: ev.MediaKind,
				Offer:     ev.Offer,
			})

		case "call:answer":
			if other := s.otherParty(ev.CallID, a.id); other != nil {
				other.send(envelope{Type: "call:answered", CallID: ev.CallID, Answer: ev.Answer})
			}

		case "call:ice-candidate":
			if target := s.lookup(ev.TargetID); target != nil {
				target.send(envelope{Type: "call:ice-candidate", CallID: ev.CallID, Candidate: ev.Candidate})
			}

		case "call:end", "call:decline", "call:busy":
			if other := s.otherParty(ev.CallID, a.id); other != nil {
				other.send(envelope{Type: ev.Type, CallID: ev.CallID})
			}
			if ev.Type != "call:busy" {
				s.mu.Lock()
				delete(s.calls, ev.CallID)
				s.mu.Unlock()
			}

		default:
			a.send(envelope{Type: "error", Code: "unsupported", Message: "unsupported event: " + ev.Type})
		}
	}
}

// otherParty resolves the peer of the given agent in a call.
func (s *server) otherParty(callID, fromID string) *agent {
	s.mu.Lock()
	c, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if c.callerID == fromID {
		return s.lookup(c.calleeID)
	}
	return s.lookup(c.callerID)
}

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 9400)

	srv := newServer()
	upgrader := websocket.Upgrader{
		// Accept all origins for local testing.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		var hello envelope
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" || hello.AgentID == "" {
			_ = conn.Close()
			return
		}

		a := &agent{id: hello.AgentID, conn: conn}
		srv.mu.Lock()
		if prev := srv.agents[a.id]; prev != nil {
			_ = prev.conn.Close()
		}
		srv.agents[a.id] = a
		srv.mu.Unlock()
		fmt.Printf("agent %s connected\n", a.id)

		go srv.handle(a)
	})

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}
	fmt.Printf("signaling server listening on ws://%s/ws\n", ln.Addr())

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	_ = httpSrv.Close()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q\n", key, v)
		os.Exit(2)
	}
	return n
}
