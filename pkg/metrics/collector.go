package metrics

import (
	"sync/atomic"
	"time"
)

// Collector aggregates protocol event counters for one messenger instance.
// All methods are safe for concurrent use.
type Collector struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	dummiesSent      atomic.Uint64
	dummiesReceived  atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64

	dhRatchetSteps atomic.Uint64
	pqRekeys       atomic.Uint64
	skippedCached  atomic.Uint64

	replaysBlocked    atomic.Uint64
	authFailures      atomic.Uint64
	signatureFailures atomic.Uint64
	pinViolations     atomic.Uint64

	createdAt time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{createdAt: time.Now()}
}

// MessageSent records one outgoing envelope of n wire bytes; dummy marks
// cover traffic.
func (c *Collector) MessageSent(n int, dummy bool) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	if dummy {
		c.dummiesSent.Add(1)
	}
}

// MessageReceived records one successfully decrypted envelope of n wire
// bytes; dummy marks cover traffic.
func (c *Collector) MessageReceived(n int, dummy bool) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	if dummy {
		c.dummiesReceived.Add(1)
	}
}

// DHRatchetStep records a completed DH ratchet step.
func (c *Collector) DHRatchetStep() { c.dhRatchetSteps.Add(1) }

// PQRekey records a completed PQ re-encapsulation.
func (c *Collector) PQRekey() { c.pqRekeys.Add(1) }

// SkippedKeysCached records n message keys entering the skipped cache.
func (c *Collector) SkippedKeysCached(n int) { c.skippedCached.Add(uint64(n)) }

// ReplayBlocked records a rejected replay.
func (c *Collector) ReplayBlocked() { c.replaysBlocked.Add(1) }

// AuthFailure records a MAC or AEAD verification failure.
func (c *Collector) AuthFailure() { c.authFailures.Add(1) }

// SignatureFailure records a one-time signature verification failure.
func (c *Collector) SignatureFailure() { c.signatureFailures.Add(1) }

// PinViolation records a pinning registry rejection.
func (c *Collector) PinViolation() { c.pinViolations.Add(1) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	DummiesSent      uint64 `json:"dummies_sent"`
	DummiesReceived  uint64 `json:"dummies_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`

	DHRatchetSteps    uint64 `json:"dh_ratchet_steps"`
	PQRekeys          uint64 `json:"pq_rekeys"`
	SkippedKeysCached uint64 `json:"skipped_keys_cached"`

	ReplaysBlocked    uint64 `json:"replays_blocked"`
	AuthFailures      uint64 `json:"auth_failures"`
	SignatureFailures uint64 `json:"signature_failures"`
	PinViolations     uint64 `json:"pin_violations"`

	Uptime time.Duration `json:"uptime"`
}

// Snapshot returns a consistent-enough copy of the counters for export.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		DummiesSent:      c.dummiesSent.Load(),
		DummiesReceived:  c.dummiesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),

		DHRatchetSteps:    c.dhRatchetSteps.Load(),
		PQRekeys:          c.pqRekeys.Load(),
		SkippedKeysCached: c.skippedCached.Load(),

		ReplaysBlocked:    c.replaysBlocked.Load(),
		AuthFailures:      c.authFailures.Load(),
		SignatureFailures: c.signatureFailures.Load(),
		PinViolations:     c.pinViolations.Load(),

		Uptime: time.Since(c.createdAt),
	}
}
