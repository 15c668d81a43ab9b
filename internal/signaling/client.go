package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqui-im/callsig/internal/metrics"
	"github.com/loqui-im/callsig/internal/ratelimit"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second

	// eventBuffer absorbs short consumer stalls without reordering; when full
	// the read loop blocks, pushing backpressure into the TCP window.
	eventBuffer = 64
)

// ErrClosed is returned by Send after the client has been closed.
var ErrClosed = errors.New("signaling: client closed")

type ClientOptions struct {
	// URL is the ws:// or wss:// signaling endpoint.
	URL string

	// Origin, when non-empty, is sent as the Origin header on the handshake.
	Origin string

	// AgentID identifies this agent instance in the hello event.
	AgentID string

	// Token, when non-empty, is presented in the hello event.
	Token string

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

// Client is a signaling Transport over a WebSocket connection.
//
// Malformed and rate-limited inbound messages are counted and dropped rather
// than surfaced to the consumer; only transport-level failures end the stream.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	mets *metrics.Metrics

	maxMessageBytes int64
	idleTimeout     time.Duration
	pingInterval    time.Duration
	limiter         *ratelimit.TokenBucket

	events chan Envelope

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the signaling server, sends the hello event, and starts
// the read and keepalive loops.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("signaling: missing URL")
	}
	if opts.AgentID == "" {
		return nil, fmt.Errorf("signaling: missing agent id")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	var limiter *ratelimit.TokenBucket
	if opts.MaxMessagesPerSecond > 0 {
		rate := int64(opts.MaxMessagesPerSecond)
		limiter = ratelimit.NewTokenBucket(opts.Clock, rate, rate)
	}

	c := &Client{
		conn:            conn,
		log:             log.With("component", "signaling"),
		mets:            opts.Metrics,
		maxMessageBytes: opts.MaxMessageBytes,
		idleTimeout:     opts.IdleTimeout,
		pingInterval:    opts.PingInterval,
		limiter:         limiter,
		events:          make(chan Envelope, eventBuffer),
		closed:          make(chan struct{}),
	}

	if c.idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		})
	}

	hello := Envelope{
		Type:    EventHello,
		AgentID: opts.AgentID,
		Token:   opts.Token,
	}
	if err := c.Send(ctx, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("signaling: hello: %w", err)
	}

	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}

	return c, nil
}

func (c *Client) Events() <-chan Envelope {
	return c.events
}

// Err reports why the event stream ended. It is meaningful only after the
// Events channel has been closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Send(ctx context.Context, ev Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("signaling: refusing to send invalid %s event: %w", ev.Type, err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Local close; not a transport failure.
			default:
				c.log.Warn("signaling connection lost", "err", err)
				c.shutdown(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.mets.Inc(metrics.SignalingMalformed)
			c.log.Warn("dropping non-text signaling message", "messageType", msgType)
			continue
		}

		if c.limiter != nil && !c.limiter.Allow(1) {
			c.mets.Inc(metrics.SignalingRateLimited)
			c.log.Warn("dropping signaling message: rate limit exceeded")
			continue
		}

		ev, err := ParseEvent(payload)
		if err != nil {
			c.mets.Inc(metrics.SignalingMalformed)
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn("signaling ping failed", "err", err)
					c.shutdown(err)
				}
				return
			}
		}
	}
}
