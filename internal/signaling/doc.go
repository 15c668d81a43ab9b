// Package signaling carries call negotiation events between this agent and
// the signaling server over a WebSocket connection.
//
// The wire format is one JSON event per text message, parsed strictly:
// unknown fields and per-type field mismatches are rejected.
package signaling
