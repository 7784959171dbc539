// Package channel implements the authenticated encryption layer over an
// established session: frame sealing and opening under the active key
// generation, nonce construction from (generation, sequence), replay
// rejection, and lost-frame reporting.
package channel

import "sync"

// replayWindow is a sliding bitmap over the most recent sequence numbers of
// one key generation. A repeated sequence number is a replay and fails
// closed; sequences older than the window are likewise rejected.
type replayWindow struct {
	mu      sync.Mutex
	highSeq uint64
	seeded  bool
	bitmap  uint64 // last 64 sequence numbers relative to highSeq
}

const replayWindowSize = 64

// probe reports whether the sequence number would be accepted, without
// marking it seen. The caller commits only after the frame authenticates,
// so a forged header cannot burn a sequence number that the legitimate
// frame still needs.
func (w *replayWindow) probe(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accepts(seq)
}

// commit marks an authenticated sequence number as received. Returns false
// when a concurrent open already claimed it.
func (w *replayWindow) commit(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.accepts(seq) {
		return false
	}

	if !w.seeded {
		w.seeded = true
		w.highSeq = seq
		w.bitmap = 1
		return true
	}

	if seq > w.highSeq {
		diff := seq - w.highSeq
		if diff >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= diff
		}
		w.bitmap |= 1
		w.highSeq = seq
		return true
	}

	w.bitmap |= uint64(1) << (w.highSeq - seq)
	return true
}

// accepts is the unsynchronized acceptance test shared by probe and commit.
func (w *replayWindow) accepts(seq uint64) bool {
	if !w.seeded || seq > w.highSeq {
		return true
	}

	diff := w.highSeq - seq
	if diff >= replayWindowSize {
		return false // too old to validate
	}
	return w.bitmap&(uint64(1)<<diff) == 0 // zero bit: not yet received
}
