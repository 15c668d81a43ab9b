package session

import "github.com/loqui-im/callsig/internal/signaling"

// candidateBuffer holds ICE candidates that arrived before the condition
// that makes them applicable (remote description set for incoming, callId
// known for outgoing). Append preserves arrival order; Drain returns the
// queue exactly once and clears it, so no candidate is applied twice or
// reordered relative to same-queue siblings.
type candidateBuffer struct {
	queue []signaling.Candidate
}

func (b *candidateBuffer) Append(c signaling.Candidate) {
	b.queue = append(b.queue, c)
}

func (b *candidateBuffer) Drain() []signaling.Candidate {
	q := b.queue
	b.queue = nil
	return q
}

func (b *candidateBuffer) Len() int {
	return len(b.queue)
}

func (b *candidateBuffer) Clear() {
	b.queue = nil
}
