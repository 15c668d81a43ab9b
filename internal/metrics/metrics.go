package metrics

import "sync"

// Counter names emitted by the coordinator and transport. Names are
// intentionally simple; they surface as the `event` label on the Prometheus
// endpoint.
const (
	CallStarted   = "call_started"
	CallIncoming  = "call_incoming"
	CallAnswered  = "call_answered"
	CallConnected = "call_connected"
	CallEnded     = "call_ended"
	CallFailed    = "call_failed"

	BusyRejected      = "busy_rejected"
	RingTimeout       = "ring_timeout"
	GraceRecovered    = "grace_recovered"
	ProtocolViolation = "protocol_violation"

	CandidateBufferedIncoming = "candidate_buffered_incoming"
	CandidateBufferedOutgoing = "candidate_buffered_outgoing"
	CandidateRejected         = "candidate_rejected"

	SignalingRateLimited = "signaling_rate_limited"
	SignalingMalformed   = "signaling_malformed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that need a real metrics backend can scrape the Prometheus
// handler; this type exists so call-flow logic stays testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
