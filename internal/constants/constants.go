// Package constants defines security parameters and protocol constants for the
// QKD-Link secure channel.
//
// The defaults target the theoretical BB84 security bound for eavesdropping
// detection (QBER threshold 0.11) and a 256-bit hybrid session key.
package constants

import "time"

// Protocol version and identification
const (
	// ProtocolVersion is the current version of the QKD-Link wire protocol
	ProtocolVersion uint16 = 0x0001

	// ProtocolName is used for domain separation in key derivation
	ProtocolName = "QKD-LINK-v1"
)

// BB84 exchange parameters
const (
	// QuantumBurstSize is the number of (bit, basis) pairs generated per
	// handshake attempt. Roughly half survive sifting and a configurable
	// fraction of those is sacrificed for QBER estimation.
	QuantumBurstSize = 4096

	// MinSiftedBits is the minimum usable sifted key length (after sample
	// removal). A shorter result forces a retry with a fresh burst.
	MinSiftedBits = 256

	// MaxBurstSize bounds the burst length accepted from a peer.
	MaxBurstSize = 1 << 16

	// DefaultQBERThreshold is the maximum tolerated quantum bit error rate.
	// 0.11 reflects the theoretical BB84 bound above which an eavesdropper
	// could hold full information about the key.
	DefaultQBERThreshold = 0.11

	// DefaultSampleFraction is the fraction of sifted bits disclosed for
	// QBER estimation. Disclosed bits are discarded from the usable key.
	DefaultSampleFraction = 0.2

	// MaxHandshakeRetries bounds retries on insufficient sifted material.
	MaxHandshakeRetries = 3
)

// ML-KEM-1024 parameters (NIST FIPS 203), used for the authenticated-secret
// exchange that feeds the hybrid key derivation.
const (
	// MLKEMPublicKeySize is the size of an ML-KEM-1024 encapsulation key in bytes
	MLKEMPublicKeySize = 1568

	// MLKEMCiphertextSize is the size of an ML-KEM-1024 ciphertext in bytes
	MLKEMCiphertextSize = 1568

	// MLKEMSharedSecretSize is the size of the shared secret from ML-KEM in bytes
	MLKEMSharedSecretSize = 32
)

// ML-DSA-65 parameters (NIST FIPS 204), the handshake authentication capability.
const (
	// MLDSAPublicKeySize is the size of an ML-DSA-65 verification key in bytes
	MLDSAPublicKeySize = 1952

	// MLDSASignatureSize is the size of an ML-DSA-65 signature in bytes
	MLDSASignatureSize = 3309
)

// Symmetric encryption parameters
const (
	// SessionKeySize is the size of the derived hybrid session key in bytes
	SessionKeySize = 32

	// AEADNonceSize is the AEAD nonce size in bytes (96 bits):
	// a 4-byte generation counter followed by an 8-byte sequence number.
	AEADNonceSize = 12

	// AEADTagSize is the authentication tag size in bytes
	AEADTagSize = 16
)

// Key derivation parameters (SHAKE-256)
const (
	// TranscriptHashSize is the size of the handshake transcript hash in bytes
	TranscriptHashSize = 32

	// MinClassicalEntropy is the minimum length of the classical entropy
	// input to the hybrid derivation, in bytes (128 bits).
	MinClassicalEntropy = 16

	// HandshakeRandomSize is the per-endpoint random contribution exchanged
	// during the handshake, in bytes.
	HandshakeRandomSize = 32

	// DomainSeparatorHybridKey is used in hybrid session key derivation
	DomainSeparatorHybridKey = "QKD-LINK-v1-HybridKey"

	// DomainSeparatorAuth is used when signing the handshake transcript
	DomainSeparatorAuth = "QKD-LINK-v1-AuthTranscript"

	// DomainSeparatorRotation is used to separate rotated-generation material
	DomainSeparatorRotation = "QKD-LINK-v1-Rotation"
)

// Session key lifetime parameters
const (
	// DefaultRotationInterval is the maximum age of a key generation before
	// a rotation is triggered.
	DefaultRotationInterval = time.Hour

	// DefaultRotationByteLimit is the maximum volume sealed under one key
	// generation before a rotation is triggered.
	DefaultRotationByteLimit = 1 << 30

	// MaxSequencePerGeneration caps the sequence counter under one
	// generation, well below nonce exhaustion for a 64-bit counter.
	MaxSequencePerGeneration = uint64(1) << 48
)

// Transport timeouts
const (
	// DefaultHandshakeTimeout bounds every blocking read during handshake
	// phases. A stalled handshake must not hold key material indefinitely.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultWriteTimeout applies to all writes.
	DefaultWriteTimeout = 30 * time.Second
)

// Message size limits
const (
	// MaxMessageSize is the maximum size of a single wire message payload.
	// Large enough for a full quantum burst (bits + packed bases) and for a
	// 64 KiB application frame with AEAD overhead.
	MaxMessageSize = 1 << 17

	// MaxPayloadSize is the maximum application payload per sealed frame.
	MaxPayloadSize = 1 << 16

	// MinFrameSize is the minimum size of a valid secure frame payload:
	// generation + sequence + nonce + tag.
	MinFrameSize = 4 + 8 + AEADNonceSize + AEADTagSize
)

// CipherSuite identifiers
type CipherSuite uint16

const (
	// CipherSuiteAES256GCM uses AES-256-GCM for frame encryption
	CipherSuiteAES256GCM CipherSuite = 0x0001

	// CipherSuiteChaCha20Poly1305 uses ChaCha20-Poly1305 for frame encryption
	CipherSuiteChaCha20Poly1305 CipherSuite = 0x0002
)

// String returns a human-readable name for the cipher suite
func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteAES256GCM:
		return "AES-256-GCM"
	case CipherSuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is supported
func (cs CipherSuite) IsSupported() bool {
	return cs == CipherSuiteAES256GCM || cs == CipherSuiteChaCha20Poly1305
}
