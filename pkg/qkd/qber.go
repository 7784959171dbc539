// qber.go implements quantum bit error rate estimation.
//
// A disclosed random subset of sifted positions is compared bit-by-bit
// between the endpoints. In the absence of interference the sifted keys
// agree exactly, so any mismatch rate above the tolerated threshold is
// evidence of channel noise or an eavesdropper whose measurements disturbed
// the quantum states. At the default threshold of 0.11 (the theoretical BB84
// bound) the session must abort rather than proceed with compromised
// material.
package qkd

import (
	"encoding/binary"
	"io"

	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// Decision is the accept/abort outcome of a QBER check.
type Decision uint8

// QBER check outcomes.
const (
	// DecisionAccept indicates the error rate is within the threshold.
	DecisionAccept Decision = iota

	// DecisionAbort indicates eavesdropping must be suspected.
	DecisionAbort
)

// String returns a human-readable name for the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "Accept"
	case DecisionAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// QBERReport is the immutable result of one estimation. It is derived once
// per handshake and never mutated after creation.
type QBERReport struct {
	SampleSize int
	Mismatches int
	ErrorRate  float64
	Decision   Decision
}

// Estimator computes QBER reports against a configured threshold.
type Estimator struct {
	threshold float64
}

// NewEstimator creates an estimator. The threshold must lie in (0, 1).
func NewEstimator(threshold float64) (*Estimator, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, qerrors.ErrInvalidParameter
	}
	return &Estimator{threshold: threshold}, nil
}

// Threshold returns the configured abort threshold.
func (e *Estimator) Threshold() float64 {
	return e.threshold
}

// Estimate compares the peer's disclosed sample bits against the local
// sifted key at the agreed indices.
//
// The error rate is exactly mismatches/sampleSize. An empty sample is an
// ErrInvalidParameter failure: a report cannot be produced without at least
// one disclosed bit. Indices must address the local sifted key; the peer
// sample must carry one bit per index (ErrLengthMismatch otherwise).
func (e *Estimator) Estimate(siftedLocal []byte, peerSampleBits []byte, sampleIndices []uint32) (*QBERReport, error) {
	if len(sampleIndices) == 0 {
		return nil, qerrors.ErrInvalidParameter
	}
	if len(peerSampleBits) != len(sampleIndices) {
		return nil, qerrors.ErrLengthMismatch
	}

	mismatches := 0
	for i, idx := range sampleIndices {
		if int(idx) >= len(siftedLocal) {
			return nil, qerrors.ErrInvalidParameter
		}
		if siftedLocal[idx]&1 != peerSampleBits[i]&1 {
			mismatches++
		}
	}

	report := &QBERReport{
		SampleSize: len(sampleIndices),
		Mismatches: mismatches,
		ErrorRate:  float64(mismatches) / float64(len(sampleIndices)),
	}
	if report.ErrorRate <= e.threshold {
		report.Decision = DecisionAccept
	} else {
		report.Decision = DecisionAbort
	}

	return report, nil
}

// SampleIndices selects a random disclosed subset of sifted positions.
//
// The sample size is fraction * siftedLen, at least one index. fraction must
// lie in (0, 1]. Indices are distinct and drawn from the given entropy
// source via a partial Fisher-Yates shuffle.
func SampleIndices(siftedLen int, fraction float64, rand io.Reader) ([]uint32, error) {
	if siftedLen <= 0 {
		return nil, qerrors.ErrInvalidParameter
	}
	if fraction <= 0 || fraction > 1 {
		return nil, qerrors.ErrInvalidParameter
	}

	k := int(fraction * float64(siftedLen))
	if k < 1 {
		k = 1
	}

	perm := make([]uint32, siftedLen)
	for i := range perm {
		perm[i] = uint32(i)
	}

	for i := 0; i < k; i++ {
		j, err := randIntn(rand, siftedLen-i)
		if err != nil {
			return nil, err
		}
		perm[i], perm[i+j] = perm[i+j], perm[i]
	}

	return perm[:k], nil
}

// randIntn returns a uniform integer in [0, n) via rejection sampling.
func randIntn(rand io.Reader, n int) (int, error) {
	if n <= 0 {
		return 0, qerrors.ErrInvalidParameter
	}

	limit := (uint64(1) << 32) - (uint64(1)<<32)%uint64(n)
	var buf [4]byte
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return 0, qerrors.NewCryptoError("randIntn", err)
		}
		v := uint64(binary.BigEndian.Uint32(buf[:]))
		if v < limit {
			return int(v % uint64(n)), nil
		}
	}
}
