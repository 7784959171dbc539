// aead.go implements Authenticated Encryption with Associated Data (AEAD)
// for secure frames.
//
// Two AEAD algorithms are supported:
//   - AES-256-GCM: hardware-accelerated on modern CPUs
//   - ChaCha20-Poly1305: high performance without hardware support
//
// Both use a 96-bit nonce and a 128-bit authentication tag.
//
// CRITICAL: Nonce reuse completely breaks security. QKD-Link constructs every
// nonce from the (generation, sequence) pair of the frame it protects, and the
// channel layer guarantees sequences are monotonic per generation, so each
// (key, nonce) pair occurs at most once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// AEAD represents an authenticated encryption cipher bound to one session key.
type AEAD struct {
	cipher cipher.AEAD
	suite  constants.CipherSuite
}

// NewAEAD creates a new AEAD cipher with the specified suite and 32-byte key.
func NewAEAD(suite constants.CipherSuite, key []byte) (*AEAD, error) {
	if len(key) != constants.SessionKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}

	var aeadCipher cipher.AEAD

	switch suite {
	case constants.CipherSuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}
		aeadCipher, err = cipher.NewGCM(block)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}

	case constants.CipherSuiteChaCha20Poly1305:
		var err error
		aeadCipher, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}

	default:
		return nil, qerrors.ErrUnsupportedCipherSuite
	}

	return &AEAD{cipher: aeadCipher, suite: suite}, nil
}

// Seal encrypts and authenticates plaintext under an explicit nonce.
//
// The caller is responsible for nonce uniqueness; the channel layer derives
// nonces from monotonic (generation, sequence) pairs.
//
// Returns ciphertext || tag (the nonce is not included).
func (a *AEAD) Seal(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != constants.AEADNonceSize {
		return nil, qerrors.ErrInvalidNonce
	}

	return a.cipher.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open verifies and decrypts ciphertext || tag under an explicit nonce.
//
// The tag is verified before any plaintext is produced; on mismatch the
// result is ErrAuthenticationFailed and no plaintext, partial or otherwise,
// is ever returned.
func (a *AEAD) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != constants.AEADNonceSize {
		return nil, qerrors.ErrInvalidNonce
	}
	if len(ciphertext) < constants.AEADTagSize {
		return nil, qerrors.ErrCiphertextTooShort
	}

	plaintext, err := a.cipher.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}

	return plaintext, nil
}

// Suite returns the cipher suite identifier.
func (a *AEAD) Suite() constants.CipherSuite {
	return a.suite
}

// Overhead returns the number of bytes added to each sealed payload.
func (a *AEAD) Overhead() int {
	return a.cipher.Overhead()
}
