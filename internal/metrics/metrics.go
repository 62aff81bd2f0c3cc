package metrics

import "sync"

// Event names.
const (
	ConnectionsTotal     = "connections_total"
	HandshakesCompleted  = "handshakes_completed"
	HandshakesFailed     = "handshakes_failed"
	FramesRelayed        = "frames_relayed"
	BytesRelayed         = "bytes_relayed"
	ServerMessages       = "server_messages"
	SendErrors           = "send_errors"
	InitiatorsSuperseded = "initiators_superseded"
	RespondersDropped    = "responders_dropped"
)

// Drop reasons. Counters are exported as "drops_<reason>".
const (
	DropReasonRateLimited        = "rate_limited"
	DropReasonQueueOverflow      = "queue_overflow"
	DropReasonTooManyConnections = "too_many_connections"
	DropReasonProtocolError      = "protocol_error"
	DropReasonHandshakeTimeout   = "handshake_timeout"
	DropReasonIdle               = "idle"
	DropReasonOriginRejected     = "origin_rejected"
)

func Drop(reason string) string {
	return "drops_" + reason
}

// Metrics is a minimal, concurrency-safe counter registry.
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
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
