// Package session implements the per-call state machine:
// initiating → ringing → connecting → in_progress → ended, with failed
// reachable from any non-terminal state.
//
// A Session is not safe for concurrent use. The coordinator serializes all
// handler calls through one event queue; timer and peer callbacks re-enter
// through that queue via the Post hooks rather than touching the session
// directly.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqui-im/callsig/internal/media"
	"github.com/loqui-im/callsig/internal/metrics"
	"github.com/loqui-im/callsig/internal/signaling"
)

// ErrWrongState is returned when a local operation is not valid in the
// session's current state.
var ErrWrongState = errors.New("session: operation not valid in current state")

type PeerEventKind int

const (
	PeerEventCandidate PeerEventKind = iota
	PeerEventConnState
	PeerEventTrack
)

// PeerEvent is a media-layer callback reframed as a queueable message.
type PeerEvent struct {
	Kind      PeerEventKind
	Candidate signaling.Candidate
	ConnState media.ConnState
	TrackKind string
}

type Deps struct {
	Send    func(ev signaling.Envelope) error
	NewPeer func(callID string, kind signaling.MediaKind, h media.Handlers) (media.Peer, error)

	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	RingTimeout     time.Duration
	DisconnectGrace time.Duration

	// PostTimer and PostPeer run on foreign goroutines and must only
	// enqueue into the coordinator; the coordinator then calls HandleTimer /
	// HandlePeerEvent on its own goroutine.
	PostTimer func(kind TimerKind, gen uint64)
	PostPeer  func(ev PeerEvent)

	// Notify publishes a state snapshot to the presentation layer.
	Notify func(Snapshot)
}

type Session struct {
	deps Deps
	log  *slog.Logger

	id        string
	direction Direction
	status    Status
	remote    Party
	mediaKind signaling.MediaKind
	reason    Reason

	peer          media.Peer
	pendingOffer  *signaling.SDP
	remoteDescSet bool

	incoming candidateBuffer
	outgoing candidateBuffer
	timers   *timerSet

	graceArmed bool
	tornDown   bool

	startedAt   time.Time
	connectedAt *time.Time
	endedAt     *time.Time
}

func newSession(deps Deps, direction Direction, remote Party, kind signaling.MediaKind) *Session {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Session{
		deps:      deps,
		direction: direction,
		status:    StatusInitiating,
		remote:    remote,
		mediaKind: kind,
		startedAt: deps.Clock.Now(),
	}
	s.log = deps.Logger.With("component", "session", "direction", direction, "remote", remote.ID)
	s.timers = newTimerSet(deps.Clock, deps.PostTimer)
	return s
}

// NewOutgoing starts an outgoing call: acquire local media, create the
// offer, send call:initiate. A failure at any step forces the session to
// failed before returning; media acquisition failures abort before any
// transport event is sent.
func NewOutgoing(deps Deps, remote Party, kind signaling.MediaKind) (*Session, error) {
	s := newSession(deps, DirectionOutgoing, remote, kind)

	peer, err := deps.NewPeer("outgoing:"+remote.ID, kind, s.peerHandlers())
	if err != nil {
		s.fail(captureReason(err))
		return s, err
	}
	s.peer = peer

	offer, err := peer.CreateOffer()
	if err != nil {
		s.fail(ReasonNegotiationFailed)
		return s, err
	}

	err = deps.Send(signaling.Envelope{
		Type:        signaling.EventCallInitiate,
		RecipientID: remote.ID,
		MediaKind:   kind,
		Offer:       &offer,
	})
	if err != nil {
		s.fail(ReasonConnectionFailed)
		return s, err
	}

	s.deps.Metrics.Inc(metrics.CallStarted)
	// The ring window also covers a call id that never arrives; it is
	// re-armed when the transport confirms the id.
	s.timers.schedule(TimerRing, deps.RingTimeout)
	s.notify()
	return s, nil
}

// NewIncoming creates a ringing session from an inbound offer. No media is
// acquired until the call is answered.
func NewIncoming(deps Deps, env signaling.Envelope) *Session {
	s := newSession(deps, DirectionIncoming, Party{ID: env.CallerID, Label: env.CallerLabel}, env.MediaKind)
	s.id = env.CallID
	s.status = StatusRinging
	s.pendingOffer = env.Offer
	s.log = s.log.With("callId", s.id)

	s.deps.Metrics.Inc(metrics.CallIncoming)
	s.timers.schedule(TimerRing, deps.RingTimeout)
	s.notify()
	return s
}

func (s *Session) peerHandlers() media.Handlers {
	return media.Handlers{
		OnICECandidate: func(c signaling.Candidate) {
			if s.deps.PostPeer != nil {
				s.deps.PostPeer(PeerEvent{Kind: PeerEventCandidate, Candidate: c})
			}
		},
		OnConnectionStateChange: func(state media.ConnState) {
			if s.deps.PostPeer != nil {
				s.deps.PostPeer(PeerEvent{Kind: PeerEventConnState, ConnState: state})
			}
		},
		OnTrack: func(kind string) {
			if s.deps.PostPeer != nil {
				s.deps.PostPeer(PeerEvent{Kind: PeerEventTrack, TrackKind: kind})
			}
		},
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Status() Status    { return s.status }
func (s *Session) Reason() Reason    { return s.reason }
func (s *Session) Direction() Direction { return s.direction }

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		CallID:      s.id,
		Direction:   s.direction,
		Status:      s.status,
		Remote:      s.remote,
		MediaKind:   s.mediaKind,
		Reason:      s.reason,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
}

// Answer accepts a ringing incoming call: acquire media, apply the stored
// offer and any buffered candidates, send call:answer.
func (s *Session) Answer() error {
	if s.direction != DirectionIncoming || s.status != StatusRinging {
		return fmt.Errorf("%w: answer in %s/%s", ErrWrongState, s.direction, s.status)
	}

	peer, err := s.deps.NewPeer(s.id, s.mediaKind, s.peerHandlers())
	if err != nil {
		s.fail(captureReason(err))
		return err
	}
	s.peer = peer

	if s.pendingOffer == nil {
		s.fail(ReasonNegotiationFailed)
		return fmt.Errorf("session: ringing call %s has no stored offer", s.id)
	}
	// The stored offer is the initial remote description; rejection here is
	// fatal, unlike later candidate errors.
	if err := peer.SetRemoteDescription(*s.pendingOffer); err != nil {
		s.fail(ReasonNegotiationFailed)
		return err
	}
	s.remoteDescSet = true
	s.pendingOffer = nil
	s.applyBufferedIncoming()

	answer, err := peer.CreateAnswer()
	if err != nil {
		s.fail(ReasonNegotiationFailed)
		return err
	}

	err = s.deps.Send(signaling.Envelope{
		Type:   signaling.EventCallAnswer,
		CallID: s.id,
		Answer: &answer,
	})
	if err != nil {
		s.fail(ReasonConnectionFailed)
		return err
	}

	s.timers.cancel(TimerRing)
	s.status = StatusConnecting
	s.deps.Metrics.Inc(metrics.CallAnswered)
	s.notify()
	return nil
}

// Decline rejects a ringing incoming call.
func (s *Session) Decline() error {
	if s.direction != DirectionIncoming || s.status != StatusRinging {
		return fmt.Errorf("%w: decline in %s/%s", ErrWrongState, s.direction, s.status)
	}
	if err := s.deps.Send(signaling.Envelope{Type: signaling.EventCallDecline, CallID: s.id}); err != nil {
		s.log.Warn("failed to send decline", "err", err)
	}
	s.end(ReasonDeclined)
	return nil
}

// Hangup ends the call locally from any non-terminal state.
func (s *Session) Hangup() error {
	if s.status.Terminal() {
		return fmt.Errorf("%w: hangup in %s", ErrWrongState, s.status)
	}
	if s.id != "" {
		if err := s.deps.Send(signaling.Envelope{Type: signaling.EventCallEnd, CallID: s.id}); err != nil {
			s.log.Warn("failed to send hangup", "err", err)
		}
	}
	s.end(ReasonHungUp)
	return nil
}

// HandleEvent processes a transport event already routed to this session.
func (s *Session) HandleEvent(env signaling.Envelope) {
	if s.status.Terminal() {
		s.protocolViolation(env, "event for terminal session")
		return
	}

	switch env.Type {
	case signaling.EventCallInitiated:
		if s.direction != DirectionOutgoing || s.status != StatusInitiating {
			s.protocolViolation(env, "unexpected call:initiated")
			return
		}
		s.id = env.CallID
		s.log = s.log.With("callId", s.id)
		s.flushBufferedOutgoing()
		s.status = StatusRinging
		s.timers.schedule(TimerRing, s.deps.RingTimeout)
		s.notify()

	case signaling.EventCallAnswered:
		if s.direction != DirectionOutgoing || s.status != StatusRinging {
			s.protocolViolation(env, "unexpected call:answered")
			return
		}
		// Initial remote description; rejection is fatal.
		if err := s.peer.SetRemoteDescription(*env.Answer); err != nil {
			s.log.Warn("remote answer rejected", "err", err)
			s.fail(ReasonNegotiationFailed)
			return
		}
		s.remoteDescSet = true
		s.applyBufferedIncoming()
		s.timers.cancel(TimerRing)
		s.status = StatusConnecting
		s.notify()

	case signaling.EventCallICECandidate:
		s.handleRemoteCandidate(*env.Candidate)

	case signaling.EventCallEnd:
		s.end(ReasonHungUp)

	case signaling.EventCallDecline:
		s.end(ReasonDeclined)

	case signaling.EventCallBusy:
		if s.direction != DirectionOutgoing {
			s.protocolViolation(env, "unexpected call:busy")
			return
		}
		s.end(ReasonBusy)

	default:
		s.protocolViolation(env, "unroutable event type")
	}
}

func (s *Session) handleRemoteCandidate(cand signaling.Candidate) {
	if !s.remoteDescSet {
		s.incoming.Append(cand)
		s.deps.Metrics.Inc(metrics.CandidateBufferedIncoming)
		return
	}
	if err := s.peer.AddICECandidate(cand); err != nil {
		// Malformed candidates are rejected locally without ending the call.
		s.log.Warn("rejected remote candidate", "err", err)
		s.deps.Metrics.Inc(metrics.CandidateRejected)
	}
}

func (s *Session) applyBufferedIncoming() {
	for _, cand := range s.incoming.Drain() {
		if err := s.peer.AddICECandidate(cand); err != nil {
			s.log.Warn("rejected buffered candidate", "err", err)
			s.deps.Metrics.Inc(metrics.CandidateRejected)
		}
	}
}

func (s *Session) flushBufferedOutgoing() {
	for _, cand := range s.outgoing.Drain() {
		s.sendCandidate(cand)
	}
}

func (s *Session) sendCandidate(cand signaling.Candidate) {
	err := s.deps.Send(signaling.Envelope{
		Type:      signaling.EventCallICECandidate,
		CallID:    s.id,
		TargetID:  s.remote.ID,
		Candidate: &cand,
	})
	if err != nil {
		s.log.Warn("failed to send candidate", "err", err)
	}
}

// HandlePeerEvent processes a media-layer event already routed to this
// session by the coordinator.
func (s *Session) HandlePeerEvent(ev PeerEvent) {
	if s.status.Terminal() {
		return
	}

	switch ev.Kind {
	case PeerEventCandidate:
		if s.id == "" {
			s.outgoing.Append(ev.Candidate)
			s.deps.Metrics.Inc(metrics.CandidateBufferedOutgoing)
			return
		}
		s.sendCandidate(ev.Candidate)

	case PeerEventConnState:
		s.handleConnState(ev.ConnState)

	case PeerEventTrack:
		s.log.Info("remote track added", "kind", ev.TrackKind)
	}
}

func (s *Session) handleConnState(state media.ConnState) {
	switch state {
	case media.ConnStateConnected:
		if s.graceArmed {
			s.timers.cancel(TimerGrace)
			s.graceArmed = false
			s.deps.Metrics.Inc(metrics.GraceRecovered)
			s.log.Info("media path recovered within grace window")
		}
		if s.status == StatusConnecting {
			s.status = StatusInProgress
			now := s.deps.Clock.Now()
			s.connectedAt = &now
			s.deps.Metrics.Inc(metrics.CallConnected)
			s.notify()
		}

	case media.ConnStateDisconnected:
		if s.status != StatusConnecting && s.status != StatusInProgress {
			return
		}
		s.log.Warn("media path disconnected; starting grace window", "grace", s.deps.DisconnectGrace)
		s.timers.schedule(TimerGrace, s.deps.DisconnectGrace)
		s.graceArmed = true

	case media.ConnStateFailed, media.ConnStateClosed:
		s.fail(ReasonConnectionFailed)
	}
}

// HandleTimer processes a fired timer. Stale fires (cancelled or re-armed
// since) are no-ops.
func (s *Session) HandleTimer(kind TimerKind, gen uint64) {
	if s.status.Terminal() {
		return
	}
	if !s.timers.live(kind, gen) {
		return
	}

	switch kind {
	case TimerRing:
		if s.status != StatusInitiating && s.status != StatusRinging {
			return
		}
		s.deps.Metrics.Inc(metrics.RingTimeout)
		if s.id != "" {
			if err := s.deps.Send(signaling.Envelope{Type: signaling.EventCallEnd, CallID: s.id}); err != nil {
				s.log.Warn("failed to send ring-timeout end", "err", err)
			}
		}
		s.end(ReasonNoAnswer)

	case TimerGrace:
		if !s.graceArmed {
			return
		}
		s.graceArmed = false
		// A connected transition may still be queued behind this fire; trust
		// the live connection state over event order.
		if s.peer != nil && s.peer.ConnectionState() == media.ConnStateConnected {
			s.deps.Metrics.Inc(metrics.GraceRecovered)
			s.log.Info("media path recovered before grace expiry")
			return
		}
		s.fail(ReasonConnectionFailed)
	}
}

// HandleTransportDown reacts to the signaling connection dropping. A call
// still being set up cannot complete negotiation, so it fails; an
// established media path does not depend on signaling and carries on.
func (s *Session) HandleTransportDown() {
	switch s.status {
	case StatusInitiating, StatusRinging, StatusConnecting:
		s.fail(ReasonConnectionFailed)
	case StatusInProgress:
		s.log.Warn("signaling connection lost; call continues on established media path")
	}
}

func (s *Session) protocolViolation(env signaling.Envelope, msg string) {
	s.log.Warn("protocol violation: "+msg, "eventType", env.Type, "eventCallId", env.CallID, "status", s.status)
	s.deps.Metrics.Inc(metrics.ProtocolViolation)
}

func (s *Session) end(reason Reason) {
	if s.status.Terminal() {
		return
	}
	s.status = StatusEnded
	s.reason = reason
	s.deps.Metrics.Inc(metrics.CallEnded)
	s.teardown()
	s.notify()
}

func (s *Session) fail(reason Reason) {
	if s.status.Terminal() {
		return
	}
	s.status = StatusFailed
	s.reason = reason
	s.deps.Metrics.Inc(metrics.CallFailed)
	s.teardown()
	s.notify()
}

// teardown releases everything the session holds. Idempotent; terminal
// transitions are the only callers.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true

	s.timers.cancelAll()
	s.graceArmed = false
	s.incoming.Clear()
	s.outgoing.Clear()
	s.pendingOffer = nil

	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.log.Warn("peer close failed", "err", err)
		}
	}

	now := s.deps.Clock.Now()
	s.endedAt = &now

	attrs := []any{
		"callId", s.id,
		"status", s.status,
		"reason", s.reason,
		"duration", now.Sub(s.startedAt),
	}
	if s.connectedAt != nil {
		attrs = append(attrs, "talkTime", now.Sub(*s.connectedAt))
	}
	s.log.Info("call finished", attrs...)
}

func (s *Session) notify() {
	if s.deps.Notify != nil {
		s.deps.Notify(s.Snapshot())
	}
}

func captureReason(err error) Reason {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, media.ErrDeviceUnavailable):
		return ReasonDeviceUnavailable
	default:
		return ReasonDeviceUnavailable
	}
}
