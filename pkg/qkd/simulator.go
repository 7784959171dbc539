// Package qkd implements the simulated BB84 quantum key distribution
// primitives: bit/basis stream generation, measurement simulation with a
// parameterized error rate, basis sifting, and quantum bit error rate (QBER)
// estimation.
//
// The simulation models two non-orthogonal measurement bases. A receiver
// measuring in the sender's basis reads the transmitted bit faithfully; a
// receiver measuring in the other basis reads a uniformly random bit. Channel
// noise or an eavesdropper is modeled by an independent flip probability
// applied to every measured bit, which is exactly what the QBER sample later
// observes.
package qkd

import (
	"encoding/binary"
	"io"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
)

// Basis identifies one of the two BB84 measurement bases.
type Basis = byte

// The two BB84 measurement bases.
const (
	// BasisRectilinear is the 0/90 degree polarization basis.
	BasisRectilinear Basis = 0

	// BasisDiagonal is the 45/135 degree polarization basis.
	BasisDiagonal Basis = 1
)

// BitBasisStream is an ordered sequence of (bit, basis) pairs produced for
// one handshake attempt. Both slices hold one symbol per element with values
// in {0, 1}. A stream is immutable once produced; Transmit always returns a
// fresh stream.
type BitBasisStream struct {
	Bits  []byte
	Bases []byte
}

// Len returns the number of (bit, basis) pairs in the stream.
func (s *BitBasisStream) Len() int {
	return len(s.Bits)
}

// Simulator generates bit/basis streams and simulates quantum measurement.
// Each call is independent; the simulator carries no hidden state beyond its
// entropy source.
type Simulator struct {
	rand io.Reader
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithRand sets the entropy source. The default is the system CSPRNG; tests
// inject a deterministic reader.
func WithRand(r io.Reader) SimulatorOption {
	return func(s *Simulator) {
		s.rand = r
	}
}

// NewSimulator creates a simulator backed by the system CSPRNG.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{rand: crypto.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate produces n independent uniformly random (bit, basis) pairs for
// the calling party.
func (s *Simulator) Generate(n int) (*BitBasisStream, error) {
	if n <= 0 || n > constants.MaxBurstSize {
		return nil, qerrors.ErrInvalidParameter
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(s.rand, raw); err != nil {
		return nil, qerrors.NewCryptoError("Simulator.Generate", err)
	}

	stream := &BitBasisStream{
		Bits:  make([]byte, n),
		Bases: make([]byte, n),
	}
	for i, b := range raw {
		stream.Bits[i] = b & 1
		stream.Bases[i] = (b >> 1) & 1
	}

	return stream, nil
}

// Transmit simulates measurement of a transmitted stream by the receiving
// party.
//
// The receiver chooses a uniformly random basis per position. Where its basis
// differs from the sender's, the measured bit is uniformly random
// (measurement disturbance). Independently, every measured bit is flipped
// with probability errorRate, modeling channel noise or an intercept-resend
// eavesdropper; this is the error the QBER sample detects.
//
// errorRate must lie in [0, 1]; out-of-range values fail with
// ErrInvalidParameter.
func (s *Simulator) Transmit(stream *BitBasisStream, errorRate float64) (*BitBasisStream, error) {
	if stream == nil || stream.Len() == 0 {
		return nil, qerrors.ErrInvalidParameter
	}
	if errorRate < 0 || errorRate > 1 {
		return nil, qerrors.ErrInvalidParameter
	}

	n := stream.Len()
	measured := &BitBasisStream{
		Bits:  make([]byte, n),
		Bases: make([]byte, n),
	}

	for i := 0; i < n; i++ {
		b, err := s.randomByte()
		if err != nil {
			return nil, err
		}
		measured.Bases[i] = b & 1

		bit := stream.Bits[i]
		if measured.Bases[i] != stream.Bases[i] {
			// Wrong-basis measurement collapses to a random outcome.
			bit = (b >> 1) & 1
		}

		if errorRate > 0 {
			flip, err := s.randomEvent(errorRate)
			if err != nil {
				return nil, err
			}
			if flip {
				bit ^= 1
			}
		}

		measured.Bits[i] = bit
	}

	return measured, nil
}

// randomByte reads one byte from the entropy source.
func (s *Simulator) randomByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
		return 0, qerrors.NewCryptoError("Simulator.randomByte", err)
	}
	return buf[0], nil
}

// randomEvent returns true with the given probability.
func (s *Simulator) randomEvent(p float64) (bool, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
		return false, qerrors.NewCryptoError("Simulator.randomEvent", err)
	}
	v := binary.BigEndian.Uint32(buf[:])
	return float64(v) < p*float64(1<<32), nil
}
