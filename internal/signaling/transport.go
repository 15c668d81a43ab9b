package signaling

import "context"

// Transport is a bidirectional signaling channel.
//
// Inbound events arrive on Events in the order the channel delivered them.
// The channel is closed when the transport disconnects; Err then reports why.
// Send may be called from any goroutine.
type Transport interface {
	Send(ctx context.Context, ev Envelope) error
	Events() <-chan Envelope
	Err() error
	Close() error
}
