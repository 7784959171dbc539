// Package errors defines custom error types for the QKD-Link secure channel.
// These errors provide detailed information for debugging while maintaining
// security by not leaking sensitive information in error messages.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the QKD pipeline
var (
	// ErrInvalidParameter indicates a malformed parameter or configuration value
	ErrInvalidParameter = errors.New("qkd: invalid parameter")

	// ErrLengthMismatch indicates basis or bit sequences of unequal length
	ErrLengthMismatch = errors.New("qkd: sequence length mismatch")

	// ErrInsufficientKeyMaterial indicates the sifted key is below the minimum
	// viable length; the handshake should retry with a fresh stream
	ErrInsufficientKeyMaterial = errors.New("qkd: insufficient sifted key material")

	// ErrEavesdroppingSuspected indicates the QBER exceeded the security
	// threshold; the session is aborted and never silently retried
	ErrEavesdroppingSuspected = errors.New("qkd: eavesdropping suspected, error rate over threshold")
)

// Sentinel errors for key derivation and key management
var (
	// ErrInsufficientEntropy indicates a derivation input is missing or too short
	ErrInsufficientEntropy = errors.New("keyring: insufficient entropy for derivation")

	// ErrInvalidKeySize indicates that a key has an incorrect size
	ErrInvalidKeySize = errors.New("keyring: invalid key size")

	// ErrKeyErased indicates the requested key generation has been erased
	ErrKeyErased = errors.New("keyring: key generation erased")

	// ErrUnknownGeneration indicates the requested key generation does not exist
	ErrUnknownGeneration = errors.New("keyring: unknown key generation")

	// ErrNoActiveKey indicates no key generation has been activated yet
	ErrNoActiveKey = errors.New("keyring: no active key generation")
)

// Sentinel errors for AEAD framing
var (
	// ErrAuthenticationFailed indicates tag verification or identity
	// verification failed; no plaintext is ever released
	ErrAuthenticationFailed = errors.New("channel: authentication failed")

	// ErrReplayDetected indicates a repeated sequence number under one key
	// generation; the connection fails closed
	ErrReplayDetected = errors.New("channel: replay detected")

	// ErrNonceExhausted indicates the sequence space is exhausted for the
	// current generation; rotation required
	ErrNonceExhausted = errors.New("channel: nonce space exhausted, rotation required")

	// ErrInvalidNonce indicates a frame nonce inconsistent with its header
	ErrInvalidNonce = errors.New("channel: invalid nonce")

	// ErrCiphertextTooShort indicates a frame too short to carry a tag
	ErrCiphertextTooShort = errors.New("channel: ciphertext too short")

	// ErrUnsupportedCipherSuite indicates an unsupported cipher suite
	ErrUnsupportedCipherSuite = errors.New("channel: unsupported cipher suite")
)

// Sentinel errors for protocol operations
var (
	// ErrInvalidMessage indicates a wire message is malformed
	ErrInvalidMessage = errors.New("protocol: invalid message")

	// ErrUnsupportedVersion indicates an unsupported protocol version
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")

	// ErrMessageTooLarge indicates a message exceeds the maximum size
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrInvalidState indicates an operation illegal in the current phase
	ErrInvalidState = errors.New("session: invalid state")

	// ErrSessionClosed indicates the session has been terminated
	ErrSessionClosed = errors.New("session: closed")

	// ErrHandshakeTimeout indicates a handshake read exceeded its deadline
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrTransport indicates a failure propagated from the byte-stream
	// collaborator; the session aborts with erasure
	ErrTransport = errors.New("session: transport failure")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with the phase it occurred in
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "qkd-exchange", "qber-check")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// NewTransportError wraps a transport-level failure so it both matches
// ErrTransport and keeps the underlying cause in the message.
func NewTransportError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
