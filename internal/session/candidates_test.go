package session

import (
	"testing"

	"github.com/loqui-im/callsig/internal/signaling"
)

func TestCandidateBuffer_DrainReturnsInOrderExactlyOnce(t *testing.T) {
	var b candidateBuffer
	b.Append(signaling.Candidate{Candidate: "a"})
	b.Append(signaling.Candidate{Candidate: "b"})
	b.Append(signaling.Candidate{Candidate: "c"})

	got := b.Drain()
	if len(got) != 3 || got[0].Candidate != "a" || got[1].Candidate != "b" || got[2].Candidate != "c" {
		t.Fatalf("unexpected drain: %#v", got)
	}
	if again := b.Drain(); len(again) != 0 {
		t.Fatalf("second drain returned %#v, want empty", again)
	}
	if b.Len() != 0 {
		t.Fatalf("len=%d after drain", b.Len())
	}
}

func TestCandidateBuffer_AppendAfterDrainStartsFresh(t *testing.T) {
	var b candidateBuffer
	b.Append(signaling.Candidate{Candidate: "a"})
	_ = b.Drain()

	b.Append(signaling.Candidate{Candidate: "b"})
	got := b.Drain()
	if len(got) != 1 || got[0].Candidate != "b" {
		t.Fatalf("unexpected drain: %#v", got)
	}
}

func TestCandidateBuffer_Clear(t *testing.T) {
	var b candidateBuffer
	b.Append(signaling.Candidate{Candidate: "a"})
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("len=%d after clear", b.Len())
	}
}
