// Package coordinator enforces the single-active-call invariant and
// serializes every transport, media, timer, and local-command event through
// one ordered queue, so session transitions run to completion without locks.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqui-im/callsig/internal/media"
	"github.com/loqui-im/callsig/internal/metrics"
	"github.com/loqui-im/callsig/internal/session"
	"github.com/loqui-im/callsig/internal/signaling"
)

var (
	// ErrBusy rejects a second concurrent call attempt.
	ErrBusy = errors.New("coordinator: a call is already active")

	// ErrNoCall means there is no active call to operate on.
	ErrNoCall = errors.New("coordinator: no active call")

	// ErrTransportDown means the signaling connection is gone and new calls
	// cannot be placed.
	ErrTransportDown = errors.New("coordinator: signaling transport down")

	// ErrClosed is returned once the coordinator has shut down.
	ErrClosed = errors.New("coordinator: closed")
)

const (
	// eventQueue bounds the internal queue; posts from timer and pion
	// goroutines block when full rather than dropping, preserving order.
	eventQueue = 256

	subscriberBuffer = 16
)

type Config struct {
	Transport signaling.Transport
	NewPeer   func(callID string, kind signaling.MediaKind, h media.Handlers) (media.Peer, error)

	Clock   session.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	RingTimeout     time.Duration
	DisconnectGrace time.Duration
}

type eventKind int

const (
	evCommand eventKind = iota
	evTimer
	evPeer
)

type cmdKind int

const (
	cmdInitiate cmdKind = iota
	cmdAnswer
	cmdHangup
	cmdDecline
)

// sessionRef lets async posts carry a stable handle to the session that
// created them; the run loop compares it against the current session to
// drop events from superseded calls.
type sessionRef struct {
	s *session.Session
}

type event struct {
	kind eventKind

	// evCommand
	cmd       cmdKind
	remote    session.Party
	mediaKind signaling.MediaKind
	reply     chan error

	// evTimer / evPeer
	ref       *sessionRef
	timerKind session.TimerKind
	timerGen  uint64
	peerEvent session.PeerEvent
}

type Coordinator struct {
	cfg Config
	log *slog.Logger

	events chan event

	done      chan struct{}
	closeOnce sync.Once
	runDone   chan struct{}

	// Run-loop state. Touched only by the run goroutine.
	sess        *sessionRef
	transportUp bool

	mu     sync.Mutex
	last   *session.Snapshot
	subs   map[int]chan session.Snapshot
	nextID int
}

func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = session.RealClock{}
	}
	return &Coordinator{
		cfg:         cfg,
		log:         log.With("component", "coordinator"),
		events:      make(chan event, eventQueue),
		done:        make(chan struct{}),
		runDone:     make(chan struct{}),
		transportUp: true,
		subs:        make(map[int]chan session.Snapshot),
	}
}

// Run consumes transport and internal events until ctx is cancelled or
// Close is called. It is the only goroutine that touches session state.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.runDone)

	transportEvents := c.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			c.shutdownSession()
			return ctx.Err()

		case <-c.done:
			c.shutdownSession()
			return nil

		case env, ok := <-transportEvents:
			if !ok {
				// An established call keeps its media path; only setup
				// stages depend on signaling.
				c.log.Warn("signaling transport lost", "err", c.cfg.Transport.Err())
				c.transportUp = false
				transportEvents = nil
				if s := c.active(); s != nil {
					s.HandleTransportDown()
				}
				continue
			}
			c.handleTransportEvent(env)

		case ev := <-c.events:
			c.handleInternalEvent(ev)
		}
	}
}

// active returns the current session if it is non-terminal.
func (c *Coordinator) active() *session.Session {
	if c.sess == nil || c.sess.s == nil {
		return nil
	}
	if c.sess.s.Status().Terminal() {
		return nil
	}
	return c.sess.s
}

func (c *Coordinator) handleTransportEvent(env signaling.Envelope) {
	switch env.Type {
	case signaling.EventCallIncomingOffer:
		if c.active() != nil {
			c.cfg.Metrics.Inc(metrics.BusyRejected)
			c.log.Info("rejecting concurrent inbound call", "callId", env.CallID, "callerId", env.CallerID)
			c.send(signaling.Envelope{Type: signaling.EventCallBusy, CallID: env.CallID})
			return
		}
		ref := &sessionRef{}
		ref.s = session.NewIncoming(c.sessionDeps(ref), env)
		c.sess = ref

	case signaling.EventHello, signaling.EventError:
		if env.Type == signaling.EventError {
			c.log.Warn("signaling server error", "code", env.Code, "message", env.Message)
		}

	default:
		s := c.active()
		if s == nil {
			c.dropUnroutable(env, "no active call")
			return
		}
		// call:initiated is the event that assigns the id; everything else
		// must match the id we already hold.
		if env.Type != signaling.EventCallInitiated && env.CallID != "" && s.ID() != "" && env.CallID != s.ID() {
			c.dropUnroutable(env, "callId mismatch")
			return
		}
		s.HandleEvent(env)
	}
}

// dropUnroutable logs and counts an event referencing an unknown or
// mismatched callId. Never fatal.
func (c *Coordinator) dropUnroutable(env signaling.Envelope, why string) {
	c.log.Warn("dropping unroutable event", "eventType", env.Type, "callId", env.CallID, "why", why)
	c.cfg.Metrics.Inc(metrics.ProtocolViolation)
}

func (c *Coordinator) handleInternalEvent(ev event) {
	switch ev.kind {
	case evCommand:
		ev.reply <- c.handleCommand(ev)

	case evTimer:
		if ev.ref != c.sess || ev.ref.s == nil {
			return
		}
		ev.ref.s.HandleTimer(ev.timerKind, ev.timerGen)

	case evPeer:
		if ev.ref != c.sess || ev.ref.s == nil {
			return
		}
		ev.ref.s.HandlePeerEvent(ev.peerEvent)
	}
}

func (c *Coordinator) handleCommand(ev event) error {
	switch ev.cmd {
	case cmdInitiate:
		if c.active() != nil {
			c.cfg.Metrics.Inc(metrics.BusyRejected)
			return ErrBusy
		}
		if !c.transportUp {
			return ErrTransportDown
		}
		ref := &sessionRef{}
		s, err := session.NewOutgoing(c.sessionDeps(ref), ev.remote, ev.mediaKind)
		ref.s = s
		// Keep failed attempts visible in the state projection.
		c.sess = ref
		return err

	case cmdAnswer:
		s := c.active()
		if s == nil {
			return ErrNoCall
		}
		return s.Answer()

	case cmdHangup:
		s := c.active()
		if s == nil {
			return ErrNoCall
		}
		return s.Hangup()

	case cmdDecline:
		s := c.active()
		if s == nil {
			return ErrNoCall
		}
		return s.Decline()
	}
	return nil
}

func (c *Coordinator) sessionDeps(ref *sessionRef) session.Deps {
	return session.Deps{
		Send:            c.send,
		NewPeer:         c.cfg.NewPeer,
		Clock:           c.cfg.Clock,
		Logger:          c.cfg.Logger,
		Metrics:         c.cfg.Metrics,
		RingTimeout:     c.cfg.RingTimeout,
		DisconnectGrace: c.cfg.DisconnectGrace,
		PostTimer: func(kind session.TimerKind, gen uint64) {
			c.post(event{kind: evTimer, ref: ref, timerKind: kind, timerGen: gen})
		},
		PostPeer: func(pe session.PeerEvent) {
			c.post(event{kind: evPeer, ref: ref, peerEvent: pe})
		},
		Notify: c.publish,
	}
}

// post enqueues an async event. Safe to call from timer and pion
// goroutines; drops only when the coordinator is shutting down.
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	case <-c.runDone:
	}
}

func (c *Coordinator) send(env signaling.Envelope) error {
	return c.cfg.Transport.Send(context.Background(), env)
}

func (c *Coordinator) shutdownSession() {
	if s := c.active(); s != nil {
		if err := s.Hangup(); err != nil {
			c.log.Warn("hangup during shutdown failed", "err", err)
		}
	}
}

// Initiate places an outgoing call. Rejected with ErrBusy while another
// call is non-terminal.
func (c *Coordinator) Initiate(ctx context.Context, remote session.Party, kind signaling.MediaKind) error {
	return c.do(ctx, event{kind: evCommand, cmd: cmdInitiate, remote: remote, mediaKind: kind})
}

// Answer accepts the currently ringing incoming call.
func (c *Coordinator) Answer(ctx context.Context) error {
	return c.do(ctx, event{kind: evCommand, cmd: cmdAnswer})
}

// Hangup ends the active call.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, event{kind: evCommand, cmd: cmdHangup})
}

// Decline rejects the currently ringing incoming call.
func (c *Coordinator) Decline(ctx context.Context) error {
	return c.do(ctx, event{kind: evCommand, cmd: cmdDecline})
}

func (c *Coordinator) do(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.runDone:
		return ErrClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.runDone:
		return ErrClosed
	}
}

// Snapshot returns the most recent session state. ok is false when no call
// has happened yet.
func (c *Coordinator) Snapshot() (session.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return session.Snapshot{}, false
	}
	return *c.last, true
}

// Subscribe returns a channel of state snapshots and a cancel func. Slow
// subscribers miss intermediate snapshots rather than blocking the call.
func (c *Coordinator) Subscribe() (<-chan session.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan session.Snapshot, subscriberBuffer)
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Coordinator) publish(snap session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &snap
	for _, sub := range c.subs {
		select {
		case sub <- snap:
		default:
		}
	}
}

// Close stops the run loop. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
