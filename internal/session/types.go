package session

import (
	"time"

	"github.com/loqui-im/callsig/internal/signaling"
)

// Status is the lifecycle position of a call session.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusInProgress Status = "in_progress"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Reason explains why a session reached a terminal status.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonHungUp            Reason = "hung-up"
	ReasonDeclined          Reason = "declined"
	ReasonNoAnswer          Reason = "no-answer"
	ReasonBusy              Reason = "busy"
	ReasonPermissionDenied  Reason = "permission-denied"
	ReasonDeviceUnavailable Reason = "device-unavailable"
	ReasonNegotiationFailed Reason = "negotiation-failed"
	ReasonConnectionFailed  Reason = "connection-failed"
)

// Party identifies the remote end of a call.
type Party struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Snapshot is an immutable view of session state for the presentation layer.
type Snapshot struct {
	CallID    string              `json:"callId,omitempty"`
	Direction Direction           `json:"direction"`
	Status    Status              `json:"status"`
	Remote    Party               `json:"remote"`
	MediaKind signaling.MediaKind `json:"mediaKind"`
	Reason    Reason              `json:"reason,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}
