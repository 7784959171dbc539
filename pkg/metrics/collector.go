package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Collector aggregates counters from QKD sessions.
type Collector struct {
	// Session counters
	sessionsActive atomic.Uint64
	sessionsTotal  atomic.Uint64
	sessionsFailed atomic.Uint64

	// Handshake counters
	handshakeRetries     atomic.Uint64
	qberAborts           atomic.Uint64
	authFailures         atomic.Uint64
	siftedBitsAccepted   atomic.Uint64
	lastQBERMilli        atomic.Uint64 // QBER * 1000, last completed estimate
	handshakeLatencyNano atomic.Uint64 // last handshake duration

	// Traffic counters
	bytesSealed   atomic.Uint64
	bytesOpened   atomic.Uint64
	framesSealed  atomic.Uint64
	framesOpened  atomic.Uint64
	framesDropped atomic.Uint64

	// Security counters
	replaysBlocked    atomic.Uint64
	decryptFailures   atomic.Uint64
	rotationsStarted  atomic.Uint64
	rotationsFinished atomic.Uint64

	createdAt time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{createdAt: time.Now()}
}

// --- Session Counters ---

// SessionStarted increments active and total session counters.
func (c *Collector) SessionStarted() {
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionEnded decrements the active session counter.
func (c *Collector) SessionEnded() {
	for {
		current := c.sessionsActive.Load()
		if current == 0 {
			return
		}
		if c.sessionsActive.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// SessionFailed records a failed session attempt.
func (c *Collector) SessionFailed() {
	c.sessionsFailed.Add(1)
}

// --- Handshake Counters ---

// HandshakeRetried records a retried quantum exchange round.
func (c *Collector) HandshakeRetried() {
	c.handshakeRetries.Add(1)
}

// QberAborted records a handshake aborted by the error-rate check.
func (c *Collector) QberAborted() {
	c.qberAborts.Add(1)
}

// AuthFailed records a signature verification failure.
func (c *Collector) AuthFailed() {
	c.authFailures.Add(1)
}

// RecordQBER records the estimated error rate of a completed check.
// Stored with millipoint resolution.
func (c *Collector) RecordQBER(rate float64) {
	c.lastQBERMilli.Store(uint64(math.Round(rate * 1000)))
}

// RecordSiftedBits adds to the accepted sifted bit counter.
func (c *Collector) RecordSiftedBits(n uint64) {
	c.siftedBitsAccepted.Add(n)
}

// RecordHandshakeLatency records the duration of a completed handshake.
func (c *Collector) RecordHandshakeLatency(d time.Duration) {
	c.handshakeLatencyNano.Store(uint64(d.Nanoseconds()))
}

// --- Traffic Counters ---

// FrameSealed records an outbound frame of n plaintext bytes.
func (c *Collector) FrameSealed(n int) {
	c.framesSealed.Add(1)
	c.bytesSealed.Add(uint64(n))
}

// FrameOpened records an inbound frame of n plaintext bytes.
func (c *Collector) FrameOpened(n int) {
	c.framesOpened.Add(1)
	c.bytesOpened.Add(uint64(n))
}

// FrameDropped records a frame discarded before decryption.
func (c *Collector) FrameDropped() {
	c.framesDropped.Add(1)
}

// --- Security Counters ---

// ReplayBlocked records a blocked replay attempt.
func (c *Collector) ReplayBlocked() {
	c.replaysBlocked.Add(1)
}

// DecryptFailed records a frame that failed authentication.
func (c *Collector) DecryptFailed() {
	c.decryptFailures.Add(1)
}

// RotationStarted records an initiated key rotation.
func (c *Collector) RotationStarted() {
	c.rotationsStarted.Add(1)
}

// RotationFinished records a completed key rotation.
func (c *Collector) RotationFinished() {
	c.rotationsFinished.Add(1)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	SessionsActive   uint64
	SessionsTotal    uint64
	SessionsFailed   uint64
	HandshakeRetries uint64
	QberAborts       uint64
	AuthFailures     uint64
	SiftedBits       uint64
	LastQBER         float64
	BytesSealed      uint64
	BytesOpened      uint64
	FramesSealed     uint64
	FramesOpened     uint64
	FramesDropped    uint64
	ReplaysBlocked   uint64
	DecryptFailures  uint64
	Rotations        uint64
	Uptime           time.Duration
}

// Snapshot returns a consistent-enough copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsActive:   c.sessionsActive.Load(),
		SessionsTotal:    c.sessionsTotal.Load(),
		SessionsFailed:   c.sessionsFailed.Load(),
		HandshakeRetries: c.handshakeRetries.Load(),
		QberAborts:       c.qberAborts.Load(),
		AuthFailures:     c.authFailures.Load(),
		SiftedBits:       c.siftedBitsAccepted.Load(),
		LastQBER:         float64(c.lastQBERMilli.Load()) / 1000,
		BytesSealed:      c.bytesSealed.Load(),
		BytesOpened:      c.bytesOpened.Load(),
		FramesSealed:     c.framesSealed.Load(),
		FramesOpened:     c.framesOpened.Load(),
		FramesDropped:    c.framesDropped.Load(),
		ReplaysBlocked:   c.replaysBlocked.Load(),
		DecryptFailures:  c.decryptFailures.Load(),
		Rotations:        c.rotationsFinished.Load(),
		Uptime:           time.Since(c.createdAt),
	}
}
