// sifter.go implements basis reconciliation (sifting).
//
// After the quantum exchange both endpoints disclose their basis choices over
// the classical channel. Positions measured in differing bases carry no
// correlated information and are discarded; the bits at agreeing positions
// form the sifted key. Sifting is deterministic, so both endpoints derive the
// identical index ordering from the same two basis sequences.
package qkd

import (
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// SiftedKey is the ordered subset of bits whose basis choices matched.
// Every element corresponds to an index where local and peer bases agreed.
type SiftedKey struct {
	Bits []byte
}

// Len returns the number of sifted bits.
func (k *SiftedKey) Len() int {
	return len(k.Bits)
}

// Sift walks both basis sequences and retains localBits[i] wherever
// localBases[i] == peerBases[i].
//
// All three sequences must have equal length, otherwise the call fails with
// ErrLengthMismatch. Whether the result is long enough to proceed is the
// caller's decision against its configured minimum; a too-short key is
// signaled upstream as ErrInsufficientKeyMaterial and answered with a fresh
// stream, never by proceeding.
func Sift(localBases, peerBases, localBits []byte) (*SiftedKey, error) {
	if len(localBases) != len(peerBases) || len(localBases) != len(localBits) {
		return nil, qerrors.ErrLengthMismatch
	}

	bits := make([]byte, 0, len(localBits)/2)
	for i := range localBases {
		if localBases[i] == peerBases[i] {
			bits = append(bits, localBits[i]&1)
		}
	}

	return &SiftedKey{Bits: bits}, nil
}

// RemoveIndices returns a new sifted key with the bits at the given positions
// removed. Disclosed QBER sample bits must never re-enter the usable key: an
// eavesdropper observed their disclosure, so retaining them would leak key
// material. Indices out of range are ignored; duplicates remove once.
func RemoveIndices(key *SiftedKey, indices []uint32) *SiftedKey {
	drop := make(map[uint32]struct{}, len(indices))
	for _, idx := range indices {
		drop[idx] = struct{}{}
	}

	bits := make([]byte, 0, key.Len())
	for i, b := range key.Bits {
		if _, ok := drop[uint32(i)]; ok {
			continue
		}
		bits = append(bits, b)
	}

	return &SiftedKey{Bits: bits}
}
