package metrics

import (
	"testing"
	"time"
)

func TestCollectorSessionLifecycle(t *testing.T) {
	c := NewCollector()

	c.SessionStarted()
	c.SessionStarted()
	c.SessionEnded()
	c.SessionFailed()

	snap := c.Snapshot()
	if snap.SessionsTotal != 2 {
		t.Errorf("total: got %d, want 2", snap.SessionsTotal)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("active: got %d, want 1", snap.SessionsActive)
	}
	if snap.SessionsFailed != 1 {
		t.Errorf("failed: got %d, want 1", snap.SessionsFailed)
	}
}

func TestCollectorSessionEndedNeverUnderflows(t *testing.T) {
	c := NewCollector()
	c.SessionEnded()
	if snap := c.Snapshot(); snap.SessionsActive != 0 {
		t.Errorf("active underflowed: %d", snap.SessionsActive)
	}
}

func TestCollectorHandshakeCounters(t *testing.T) {
	c := NewCollector()

	c.HandshakeRetried()
	c.QberAborted()
	c.AuthFailed()
	c.RecordQBER(0.042)
	c.RecordSiftedBits(2048)
	c.RecordHandshakeLatency(150 * time.Millisecond)

	snap := c.Snapshot()
	if snap.HandshakeRetries != 1 || snap.QberAborts != 1 || snap.AuthFailures != 1 {
		t.Errorf("handshake counters: %+v", snap)
	}
	if snap.SiftedBits != 2048 {
		t.Errorf("sifted bits: got %d, want 2048", snap.SiftedBits)
	}
	if snap.LastQBER != 0.042 {
		t.Errorf("last QBER: got %v, want 0.042", snap.LastQBER)
	}
}

func TestCollectorTrafficCounters(t *testing.T) {
	c := NewCollector()

	c.FrameSealed(100)
	c.FrameSealed(200)
	c.FrameOpened(150)
	c.FrameDropped()
	c.ReplayBlocked()
	c.DecryptFailed()
	c.RotationStarted()
	c.RotationFinished()

	snap := c.Snapshot()
	if snap.FramesSealed != 2 || snap.BytesSealed != 300 {
		t.Errorf("sealed: frames=%d bytes=%d", snap.FramesSealed, snap.BytesSealed)
	}
	if snap.FramesOpened != 1 || snap.BytesOpened != 150 {
		t.Errorf("opened: frames=%d bytes=%d", snap.FramesOpened, snap.BytesOpened)
	}
	if snap.FramesDropped != 1 || snap.ReplaysBlocked != 1 || snap.DecryptFailures != 1 {
		t.Errorf("drop counters: %+v", snap)
	}
	if snap.Rotations != 1 {
		t.Errorf("rotations: got %d, want 1", snap.Rotations)
	}
}
