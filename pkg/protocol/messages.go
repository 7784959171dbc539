// Package protocol defines the QKD-Link wire messages and their binary
// encoding.
//
// The handshake message flow:
//
//	Initiator                              Responder
//	    |                                      |
//	    | -------- QuantumBurst -------------> |   simulated quantum channel
//	    |                                      |
//	    | <------- BasisDisclosure ----------- |   responder measurement bases
//	    |                                      |
//	    | -------- BasisDisclosure ----------> |   sender bases; both sift
//	    |                                      |
//	    | -------- SampleDisclosure ---------> |   disclosed QBER sample
//	    |                                      |
//	    | <------- QberVerdict --------------- |   accept or abort
//	    |                                      |
//	    | -------- AuthHandshake ------------> |   identity + KEM key, signed
//	    |                                      |
//	    | <------- AuthResponse -------------- |   identity + KEM ct, signed
//	    |                                      |
//	    |    === Session Active ===            |
//
// All messages are length-prefixed with a 1-byte type and a 4-byte
// big-endian length field.
package protocol

import (
	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// MessageType identifies the type of a wire message.
type MessageType uint8

// Wire message types for handshake, traffic, and error signaling.
const (
	// MessageTypeQuantumBurst carries the simulated quantum transmission.
	MessageTypeQuantumBurst MessageType = 0x01
	// MessageTypeBasisDisclosure announces one party's basis choices.
	MessageTypeBasisDisclosure MessageType = 0x02
	// MessageTypeSampleDisclosure discloses the QBER sample bits.
	MessageTypeSampleDisclosure MessageType = 0x03
	// MessageTypeQberVerdict reports the responder's QBER decision.
	MessageTypeQberVerdict MessageType = 0x04
	// MessageTypeAuthHandshake authenticates the initiator.
	MessageTypeAuthHandshake MessageType = 0x05
	// MessageTypeAuthResponse authenticates the responder.
	MessageTypeAuthResponse MessageType = 0x06

	// MessageTypeSecureFrame carries an encrypted application frame.
	MessageTypeSecureFrame MessageType = 0x10
	// MessageTypeRotate announces an inline key rotation.
	MessageTypeRotate MessageType = 0x11
	// MessageTypeClose signals graceful session termination.
	MessageTypeClose MessageType = 0x14

	// MessageTypeAlert signals an error condition.
	MessageTypeAlert MessageType = 0xF0
)

// String returns a human-readable name for the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeQuantumBurst:
		return "QuantumBurst"
	case MessageTypeBasisDisclosure:
		return "BasisDisclosure"
	case MessageTypeSampleDisclosure:
		return "SampleDisclosure"
	case MessageTypeQberVerdict:
		return "QberVerdict"
	case MessageTypeAuthHandshake:
		return "AuthHandshake"
	case MessageTypeAuthResponse:
		return "AuthResponse"
	case MessageTypeSecureFrame:
		return "SecureFrame"
	case MessageTypeRotate:
		return "Rotate"
	case MessageTypeClose:
		return "Close"
	case MessageTypeAlert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// QuantumBurst is the simulated quantum transmission from the initiator:
// the raw (bit, basis) stream plus the initiator's classical random.
type QuantumBurst struct {
	// Version offered by the initiator
	Version Version

	// Random is the initiator's classical entropy contribution (32 bytes)
	Random []byte

	// Count is the number of (bit, basis) pairs
	Count uint32

	// Bits is the bitmap of transmitted bits (8 per byte)
	Bits []byte

	// Bases is the packed basis sequence (2-bit symbols, 4 per byte)
	Bases []byte
}

// Validate checks structural invariants of the QuantumBurst.
func (m *QuantumBurst) Validate() error {
	if !m.Version.IsCompatible(Current) {
		return qerrors.ErrUnsupportedVersion
	}
	if len(m.Random) != constants.HandshakeRandomSize {
		return qerrors.ErrInvalidMessage
	}
	if m.Count == 0 || m.Count > constants.MaxBurstSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Bits) != int(m.Count+7)/8 || len(m.Bases) != int(m.Count+3)/4 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// BasisDisclosure announces one party's basis choices over the classical
// channel. The responder's disclosure also carries its classical random;
// the initiator's does not (its random traveled in the QuantumBurst).
type BasisDisclosure struct {
	// Random is the responder's entropy contribution (32 bytes or empty)
	Random []byte

	// Count is the number of basis symbols
	Count uint32

	// Bases is the packed basis sequence
	Bases []byte
}

// Validate checks structural invariants of the BasisDisclosure.
func (m *BasisDisclosure) Validate() error {
	if len(m.Random) != 0 && len(m.Random) != constants.HandshakeRandomSize {
		return qerrors.ErrInvalidMessage
	}
	if m.Count == 0 || m.Count > constants.MaxBurstSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Bases) != int(m.Count+3)/4 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// SampleDisclosure discloses the initiator's bits at the agreed sample
// positions of the sifted key. Disclosed positions never re-enter the key.
type SampleDisclosure struct {
	// Indices are positions into the sifted key
	Indices []uint32

	// Bits is the bitmap of the discloser's bits at those positions
	Bits []byte
}

// Validate checks structural invariants of the SampleDisclosure.
func (m *SampleDisclosure) Validate() error {
	if len(m.Indices) == 0 || len(m.Indices) > constants.MaxBurstSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Bits) != (len(m.Indices)+7)/8 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// QberVerdict reports the responder's error estimate and decision.
type QberVerdict struct {
	SampleSize uint32
	Mismatches uint32

	// Accepted is true when the error rate is within the threshold
	Accepted bool
}

// Validate checks structural invariants of the QberVerdict.
func (m *QberVerdict) Validate() error {
	if m.SampleSize == 0 || m.Mismatches > m.SampleSize {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// AuthHandshake authenticates the initiator: its ML-DSA verification key,
// an ephemeral ML-KEM encapsulation key, and a signature over the handshake
// transcript hash.
type AuthHandshake struct {
	Identity     []byte // ML-DSA-65 verification key
	KEMPublicKey []byte // ML-KEM-1024 encapsulation key
	Signature    []byte // over TranscriptHash || KEMPublicKey
}

// Validate checks structural invariants of the AuthHandshake.
func (m *AuthHandshake) Validate() error {
	if len(m.Identity) != constants.MLDSAPublicKeySize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.KEMPublicKey) != constants.MLKEMPublicKeySize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Signature) != constants.MLDSASignatureSize {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// AuthResponse authenticates the responder and completes the KEM exchange.
type AuthResponse struct {
	Identity      []byte // ML-DSA-65 verification key
	KEMCiphertext []byte // ML-KEM-1024 ciphertext
	Signature     []byte // over TranscriptHash || KEMCiphertext
}

// Validate checks structural invariants of the AuthResponse.
func (m *AuthResponse) Validate() error {
	if len(m.Identity) != constants.MLDSAPublicKeySize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.KEMCiphertext) != constants.MLKEMCiphertextSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Signature) != constants.MLDSASignatureSize {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// SecureFrame carries an encrypted application payload in the active phase.
type SecureFrame struct {
	// Generation is the key generation the frame was sealed under
	Generation uint32

	// Sequence is the per-generation monotonic counter
	Sequence uint64

	// Nonce is the 12-byte AEAD nonce
	Nonce []byte

	// Ciphertext includes the 16-byte authentication tag
	Ciphertext []byte
}

// Validate checks structural invariants of the SecureFrame.
func (m *SecureFrame) Validate() error {
	if m.Generation == 0 {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Nonce) != constants.AEADNonceSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Ciphertext) < constants.AEADTagSize {
		return qerrors.ErrCiphertextTooShort
	}
	return nil
}

// Rotate announces an inline key rotation. The sender has activated a new
// generation derived from the previous key; the receiver must do the same
// before opening frames sealed under it.
type Rotate struct {
	// NewGeneration is the generation being activated
	NewGeneration uint32
}

// Validate checks structural invariants of the Rotate message.
func (m *Rotate) Validate() error {
	if m.NewGeneration < 2 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// Close signals graceful session termination. It carries no payload.
type Close struct{}

// AlertCode identifies specific error conditions.
type AlertCode uint8

// Alert codes identifying specific error conditions.
const (
	// AlertCodeUnexpectedMessage indicates an unexpected message was received.
	AlertCodeUnexpectedMessage AlertCode = 0x01
	// AlertCodeEavesdropping indicates the QBER check failed.
	AlertCodeEavesdropping AlertCode = 0x02
	// AlertCodeAuthFailure indicates signature verification failed.
	AlertCodeAuthFailure AlertCode = 0x03
	// AlertCodeUnsupportedVersion indicates no common protocol version.
	AlertCodeUnsupportedVersion AlertCode = 0x04
	// AlertCodeInsufficientKey indicates the sifted key was too short.
	AlertCodeInsufficientKey AlertCode = 0x05
	// AlertCodeDecryptionFailed indicates frame decryption or replay failure.
	AlertCodeDecryptionFailed AlertCode = 0x06
	// AlertCodeInternalError indicates an internal implementation error.
	AlertCodeInternalError AlertCode = 0x07
	// AlertCodeCloseNotify indicates graceful session closure.
	AlertCodeCloseNotify AlertCode = 0x08
)

// AlertLevel indicates the severity of an alert.
type AlertLevel uint8

// Alert severity levels.
const (
	// AlertLevelWarning indicates a non-fatal condition.
	AlertLevelWarning AlertLevel = 0x01
	// AlertLevelFatal indicates an unrecoverable error.
	AlertLevelFatal AlertLevel = 0x02
)

// Alert signals an error condition to the peer.
type Alert struct {
	Level       AlertLevel
	Code        AlertCode
	Description string
}

// Validate checks structural invariants of the Alert.
func (m *Alert) Validate() error {
	if m.Level != AlertLevelWarning && m.Level != AlertLevelFatal {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Description) > 255 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// HeaderSize is the size of the message header (type + length).
const HeaderSize = 5 // 1 byte type + 4 bytes length

// MaxMessageSize is the maximum payload size of a wire message.
const MaxMessageSize = constants.MaxMessageSize
