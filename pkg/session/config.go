package session

import (
	"time"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
)

// Config holds session configuration for both endpoints.
type Config struct {
	// KeyLengthBits is the number of (bit, basis) pairs per quantum burst.
	KeyLengthBits int

	// QBERThreshold is the maximum tolerated quantum bit error rate.
	QBERThreshold float64

	// SampleFraction is the fraction of sifted bits disclosed for the
	// error estimate.
	SampleFraction float64

	// MinSiftedBits is the minimum usable sifted key length. Shorter
	// results trigger a retry of the quantum exchange.
	MinSiftedBits int

	// ChannelErrorRate is the simulated noise of the quantum channel,
	// applied by the responder during measurement.
	ChannelErrorRate float64

	// RotationInterval is the wall-clock rotation period. Zero disables
	// time-based rotation.
	RotationInterval time.Duration

	// RotationByteLimit is the sealed-byte rotation threshold. Zero
	// disables volume-based rotation.
	RotationByteLimit uint64

	// HandshakeTimeout bounds the complete handshake.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds individual writes on the classical channel.
	WriteTimeout time.Duration

	// ReadTimeout bounds individual reads after the handshake. Zero
	// means reads block until the peer sends; an idle session stays
	// healthy indefinitely.
	ReadTimeout time.Duration

	// CipherSuite selects the AEAD for the secure channel.
	CipherSuite constants.CipherSuite

	// Identity is the long-term ML-DSA identity. When nil an ephemeral
	// identity is generated per session.
	Identity *crypto.Identity

	// ExpectedPeer pins the peer's ML-DSA verification key. When set,
	// a peer presenting a different key fails authentication.
	ExpectedPeer []byte

	// Logger for session events. Defaults to the global logger.
	Logger *metrics.Logger

	// Tracer for handshake and traffic spans. Defaults to NoOpTracer.
	Tracer metrics.Tracer

	// Observer receives lifecycle callbacks (ignored if ObserverFactory
	// is set).
	Observer Observer

	// ObserverFactory builds a per-session observer.
	ObserverFactory ObserverFactory
}

// DefaultConfig returns sensible defaults for a noiseless simulated channel.
func DefaultConfig() Config {
	return Config{
		KeyLengthBits:     constants.QuantumBurstSize,
		QBERThreshold:     constants.DefaultQBERThreshold,
		SampleFraction:    constants.DefaultSampleFraction,
		MinSiftedBits:     constants.MinSiftedBits,
		ChannelErrorRate:  0,
		RotationInterval:  constants.DefaultRotationInterval,
		RotationByteLimit: constants.DefaultRotationByteLimit,
		HandshakeTimeout:  constants.DefaultHandshakeTimeout,
		WriteTimeout:      constants.DefaultWriteTimeout,
		CipherSuite:       constants.CipherSuiteChaCha20Poly1305,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.KeyLengthBits <= 0 || c.KeyLengthBits > constants.MaxBurstSize {
		return qerrors.ErrInvalidParameter
	}
	if c.QBERThreshold <= 0 || c.QBERThreshold >= 1 {
		return qerrors.ErrInvalidParameter
	}
	if c.SampleFraction <= 0 || c.SampleFraction >= 1 {
		return qerrors.ErrInvalidParameter
	}
	if c.MinSiftedBits <= 0 {
		return qerrors.ErrInvalidParameter
	}
	if c.ChannelErrorRate < 0 || c.ChannelErrorRate > 1 {
		return qerrors.ErrInvalidParameter
	}
	if !c.CipherSuite.IsSupported() {
		return qerrors.ErrUnsupportedCipherSuite
	}
	return nil
}

// logger returns the configured logger or the global default.
func (c *Config) logger() *metrics.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return metrics.GetLogger()
}

// tracer returns the configured tracer or a no-op.
func (c *Config) tracer() metrics.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return metrics.NoOpTracer{}
}
