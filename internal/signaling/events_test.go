package signaling

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseEvent_IncomingOffer(t *testing.T) {
	raw := []byte(`{
		"type":"call:incoming-offer",
		"callId":"c1",
		"callerId":"alice",
		"callerLabel":"Alice",
		"mediaKind":"video",
		"offer":{"type":"offer","sdp":"v=0"}
	}`)

	got, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != EventCallIncomingOffer || got.CallID != "c1" || got.CallerID != "alice" {
		t.Fatalf("unexpected decoded event: %#v", got)
	}
	if got.MediaKind != MediaKindVideo {
		t.Fatalf("mediaKind=%q, want video", got.MediaKind)
	}
	if got.Offer == nil || got.Offer.SDP != "v=0" {
		t.Fatalf("unexpected offer: %#v", got.Offer)
	}
}

func TestParseEvent_MarshalRoundTripInitiate(t *testing.T) {
	ev := Envelope{
		Type:        EventCallInitiate,
		RecipientID: "bob",
		MediaKind:   MediaKindAudio,
		Offer:       &SDP{Type: "offer", SDP: "v=0"},
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseEvent(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(ev, got) {
		t.Fatalf("round-trip mismatch: sent=%#v got=%#v", ev, got)
	}
}

func TestParseEvent_Candidate(t *testing.T) {
	raw := []byte(`{
		"type":"call:ice-candidate",
		"callId":"c1",
		"targetId":"bob",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != EventCallICECandidate || got.Candidate == nil || got.Candidate.Candidate == "" {
		t.Fatalf("unexpected decoded candidate: %#v", got)
	}
}

func TestParseEvent_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{ "type":"call:end", "callId":"c1", "unexpected": true }`)
	if _, err := ParseEvent(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseEvent_RejectsTrailingData(t *testing.T) {
	raw := []byte(`{"type":"call:end","callId":"c1"}{"type":"call:end","callId":"c1"}`)
	if _, err := ParseEvent(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseEvent_RejectsMismatchedPayload(t *testing.T) {
	cases := map[string]string{
		"answered with offer sdp": `{"type":"call:answered","callId":"c1","answer":{"type":"offer","sdp":"v=0"}}`,
		"initiated without id":    `{"type":"call:initiated"}`,
		"initiate sans recipient": `{"type":"call:initiate","mediaKind":"audio","offer":{"type":"offer","sdp":"v=0"}}`,
		"initiate bad media kind": `{"type":"call:initiate","recipientId":"bob","mediaKind":"screen","offer":{"type":"offer","sdp":"v=0"}}`,
		"end with sdp":            `{"type":"call:end","callId":"c1","offer":{"type":"offer","sdp":"v=0"}}`,
		"hello without agent":     `{"type":"hello","token":"t"}`,
		"error without code":      `{"type":"error","message":"boom"}`,
		"bogus type":              `{"type":"bogus"}`,
	}
	for name, raw := range cases {
		if _, err := ParseEvent([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSDP_ToPion(t *testing.T) {
	desc, err := SDP{Type: "answer", SDP: "v=0"}.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer || desc.SDP != "v=0" {
		t.Fatalf("unexpected description: %#v", desc)
	}

	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
}

func FuzzParseEvent(f *testing.F) {
	f.Add([]byte(`{"type":"call:initiate","recipientId":"bob","mediaKind":"audio","offer":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"call:incoming-offer","callId":"c1","callerId":"alice","mediaKind":"video","offer":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"call:answered","callId":"c1","answer":{"type":"answer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"call:ice-candidate","callId":"c1","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	f.Add([]byte(`{"type":"call:end","callId":"c1"}`))
	f.Add([]byte(`{"type":"hello","agentId":"a1","token":"secret"}`))
	f.Add([]byte(`{"type":"error","code":"busy","message":"line busy"}`))

	// Known-bad cases from unit tests and common mistakes.
	f.Add([]byte(`{ "type":"call:end", "callId":"c1", "unexpected": true }`))
	f.Add([]byte(`{"type":"call:end","callId":"c1"}{"type":"call:end","callId":"c1"}`))
	f.Add([]byte(`{"type":"bogus"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		ev1, err1 := ParseEvent(data)
		ev2, err2 := ParseEvent(data)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic parse result: err1=%v err2=%v", err1, err2)
		}
		if err1 != nil {
			return
		}

		// Successful parses must always produce an event that validates.
		if err := ev1.Validate(); err != nil {
			t.Fatalf("Validate() failed after successful parse: %v", err)
		}

		if !reflect.DeepEqual(ev1, ev2) {
			t.Fatalf("non-deterministic parse output: ev1=%#v ev2=%#v", ev1, ev2)
		}

		// Round-trip through JSON should preserve semantics and remain strict.
		b, err := json.Marshal(ev1)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		round, err := ParseEvent(b)
		if err != nil {
			t.Fatalf("re-parse marshaled event: %v (json=%q)", err, string(b))
		}
		if !reflect.DeepEqual(ev1, round) {
			t.Fatalf("round-trip mismatch: ev=%#v round=%#v json=%q", ev1, round, string(b))
		}
	})
}
