// kdf.go implements key derivation using SHAKE-256 (SHA-3 XOF).
//
// SHAKE-256 (FIPS 202) is an extendable-output function based on the Keccak
// sponge construction, providing 256-bit collision and preimage resistance
// with no length-extension attacks. All inputs are length-prefixed so the
// absorbed transcript parses unambiguously.
//
// Usage in QKD-Link:
//
// The hybrid session key combines three independent secret sources with
// domain separation:
//
//	K = SHAKE-256(domain || quantum_bits || classical_entropy || auth_secret, 256)
//
// The derivation is a pure function: identical inputs always yield the
// identical key. Security requires only that at least one input source is
// unpredictable to the adversary.
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// DeriveKey derives a key using SHAKE-256 with domain separation.
//
// The construction absorbs the domain separator and every input with a
// 4-byte big-endian length prefix, then squeezes outputLen bytes.
func DeriveKey(domain string, input []byte, outputLen int) ([]byte, error) {
	return DeriveKeyMultiple(domain, [][]byte{input}, outputLen)
}

// DeriveKeyMultiple derives a key from multiple inputs with domain separation.
//
// Each input is absorbed with a length prefix, preceded by the input count,
// so distinct input splits can never collide.
func DeriveKeyMultiple(domain string, inputs [][]byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<20 { // Max 1MB
		return nil, qerrors.NewCryptoError("DeriveKeyMultiple", qerrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	lenBuf := make([]byte, 4)

	domainBytes := []byte(domain)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(domainBytes)))
	h.Write(lenBuf)
	h.Write(domainBytes)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(inputs)))
	h.Write(lenBuf)

	for _, input := range inputs {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(input)))
		h.Write(lenBuf)
		h.Write(input)
	}

	output := make([]byte, outputLen)
	_, _ = h.Read(output) // SHAKE256.Read never fails

	return output, nil
}

// DeriveHybridKey derives the 256-bit hybrid session key.
//
// Inputs are absorbed in a fixed documented order:
//
//  1. quantumBits: the sifted quantum key remaining after QBER sample removal
//  2. classicalEntropy: the concatenated endpoint handshake randoms
//  3. authenticatedSecret: the ML-KEM secret bound to the signed transcript
//
// Fails with ErrInsufficientEntropy when quantumBits is empty (the QBER stage
// aborted or never ran) or classicalEntropy is shorter than 128 bits.
func DeriveHybridKey(quantumBits, classicalEntropy, authenticatedSecret []byte) ([]byte, error) {
	if len(quantumBits) == 0 {
		return nil, qerrors.NewCryptoError("DeriveHybridKey", qerrors.ErrInsufficientEntropy)
	}
	if len(classicalEntropy) < constants.MinClassicalEntropy {
		return nil, qerrors.NewCryptoError("DeriveHybridKey", qerrors.ErrInsufficientEntropy)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorHybridKey,
		[][]byte{quantumBits, classicalEntropy, authenticatedSecret},
		constants.SessionKeySize,
	)
}

// TranscriptHash computes a hash of the handshake transcript.
//
// The transcript covers every handshake message exchanged before the
// authentication step: the quantum burst, both basis disclosures, the sample
// disclosure, and the QBER verdict. Binding the ML-DSA signature to this hash
// prevents an active adversary from splicing phases of different handshakes.
func TranscriptHash(components ...[]byte) []byte {
	h := sha3.New256()
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(components)))
	h.Write(lenBuf)

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(component)))
		h.Write(lenBuf)
		h.Write(component)
	}

	return h.Sum(nil)
}
