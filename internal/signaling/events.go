package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// EventType names a signaling event. The call:* events carry the negotiation
// between the two parties; hello and error are channel-level.
type EventType string

const (
	EventHello EventType = "hello"
	EventError EventType = "error"

	EventCallInitiate      EventType = "call:initiate"
	EventCallInitiated     EventType = "call:initiated"
	EventCallIncomingOffer EventType = "call:incoming-offer"
	EventCallAnswer        EventType = "call:answer"
	EventCallAnswered      EventType = "call:answered"
	EventCallICECandidate  EventType = "call:ice-candidate"
	EventCallEnd           EventType = "call:end"
	EventCallDecline       EventType = "call:decline"
	EventCallBusy          EventType = "call:busy"
)

// MediaKind selects which capture tracks a call negotiates.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(raw) {
	case MediaKindAudio:
		return MediaKindAudio, nil
	case MediaKindVideo:
		return MediaKindVideo, nil
	default:
		return "", fmt.Errorf("unsupported media kind %q", raw)
	}
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the wire form of every signaling event. Which fields are
// required depends on Type; Validate enforces that, including that no
// unrelated fields are set.
type Envelope struct {
	Type EventType `json:"type"`

	CallID      string `json:"callId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	CallerID    string `json:"callerId,omitempty"`
	CallerLabel string `json:"callerLabel,omitempty"`
	TargetID    string `json:"targetId,omitempty"`

	MediaKind MediaKind `json:"mediaKind,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// hello
	AgentID string `json:"agentId,omitempty"`
	Token   string `json:"token,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEvent decodes one inbound signaling event strictly: unknown fields,
// trailing data, and field/type mismatches are all rejected.
func ParseEvent(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Envelope
	if err := dec.Decode(&ev); err != nil {
		return Envelope{}, err
	}
	if err := ev.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EventHello:
		if e.AgentID == "" {
			return fmt.Errorf("hello missing agentId")
		}
		if e.CallID != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("hello has unexpected fields")
		}
	case EventError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error missing code/message")
		}
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("error has unexpected fields")
		}
	case EventCallInitiate:
		if e.RecipientID == "" {
			return fmt.Errorf("call:initiate missing recipientId")
		}
		if _, err := ParseMediaKind(string(e.MediaKind)); err != nil {
			return fmt.Errorf("call:initiate: %w", err)
		}
		if e.Offer == nil {
			return fmt.Errorf("call:initiate missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("call:initiate has offer.type=%q", e.Offer.Type)
		}
		if e.Answer != nil || e.Candidate != nil || e.Code != "" {
			return fmt.Errorf("call:initiate has unexpected fields")
		}
	case EventCallInitiated:
		if e.CallID == "" {
			return fmt.Errorf("call:initiated missing callId")
		}
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Code != "" {
			return fmt.Errorf("call:initiated has unexpected fields")
		}
	case EventCallIncomingOffer:
		if e.CallID == "" {
			return fmt.Errorf("call:incoming-offer missing callId")
		}
		if e.CallerID == "" {
			return fmt.Errorf("call:incoming-offer missing callerId")
		}
		if _, err := ParseMediaKind(string(e.MediaKind)); err != nil {
			return fmt.Errorf("call:incoming-offer: %w", err)
		}
		if e.Offer == nil {
			return fmt.Errorf("call:incoming-offer missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("call:incoming-offer has offer.type=%q", e.Offer.Type)
		}
		if e.Answer != nil || e.Candidate != nil || e.Code != "" {
			return fmt.Errorf("call:incoming-offer has unexpected fields")
		}
	case EventCallAnswer, EventCallAnswered:
		if e.CallID == "" {
			return fmt.Errorf("%s missing callId", e.Type)
		}
		if e.Answer == nil {
			return fmt.Errorf("%s missing answer", e.Type)
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("%s has answer.type=%q", e.Type, e.Answer.Type)
		}
		if e.Offer != nil || e.Candidate != nil || e.Code != "" {
			return fmt.Errorf("%s has unexpected fields", e.Type)
		}
	case EventCallICECandidate:
		if e.CallID == "" {
			return fmt.Errorf("call:ice-candidate missing callId")
		}
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("call:ice-candidate missing candidate")
		}
		if e.Offer != nil || e.Answer != nil || e.Code != "" {
			return fmt.Errorf("call:ice-candidate has unexpected fields")
		}
	case EventCallEnd, EventCallDecline, EventCallBusy:
		if e.CallID == "" {
			return fmt.Errorf("%s missing callId", e.Type)
		}
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Code != "" {
			return fmt.Errorf("%s has unexpected fields", e.Type)
		}
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}
