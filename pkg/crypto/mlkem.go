// mlkem.go wraps the ML-KEM-1024 key encapsulation mechanism.
//
// ML-KEM (NIST FIPS 203) bases its security on the Module Learning With
// Errors problem over R_q = Z_q[X]/(X^n + 1) with n = 256, q = 3329 and
// module rank k = 4 for the 1024-bit parameter set (NIST Category 5).
//
// In QKD-Link the KEM supplies the authenticated secret of the hybrid
// derivation: the initiator sends an ephemeral encapsulation key inside the
// signed AuthHandshake message, the responder encapsulates inside the signed
// AuthResponse, and both endpoints feed the resulting shared secret into
// DeriveHybridKey. Even a fully transparent quantum channel therefore does
// not expose the session key unless ML-KEM is also broken.
package crypto

import (
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// KEMPublicKey wraps an ML-KEM-1024 encapsulation key.
type KEMPublicKey struct {
	key *mlkem1024.PublicKey
}

// KEMPrivateKey wraps an ML-KEM-1024 decapsulation key.
type KEMPrivateKey struct {
	key *mlkem1024.PrivateKey
}

// KEMKeyPair is an ephemeral ML-KEM-1024 key pair generated per handshake.
type KEMKeyPair struct {
	Public  *KEMPublicKey
	private *KEMPrivateKey
}

// GenerateKEMKeyPair generates a fresh ML-KEM-1024 key pair.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pk, sk, err := mlkem1024.GenerateKeyPair(Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("GenerateKEMKeyPair", err)
	}

	return &KEMKeyPair{
		Public:  &KEMPublicKey{key: pk},
		private: &KEMPrivateKey{key: sk},
	}, nil
}

// KEMEncapsulate encapsulates a fresh shared secret to the given public key.
//
// Returns the ciphertext (1568 bytes) and the 32-byte shared secret.
func KEMEncapsulate(pk *KEMPublicKey) (ciphertext, sharedSecret []byte, err error) {
	if pk == nil || pk.key == nil {
		return nil, nil, qerrors.NewCryptoError("KEMEncapsulate", qerrors.ErrInvalidParameter)
	}

	ct := make([]byte, mlkem1024.CiphertextSize)
	ss := make([]byte, mlkem1024.SharedKeySize)

	seed := make([]byte, mlkem1024.EncapsulationSeedSize)
	if err := SecureRandom(seed); err != nil {
		return nil, nil, qerrors.NewCryptoError("KEMEncapsulate", err)
	}

	pk.key.EncapsulateTo(ct, ss, seed)

	return ct, ss, nil
}

// KEMDecapsulate recovers the shared secret from a ciphertext.
//
// ML-KEM uses implicit rejection: a malformed but well-sized ciphertext
// decapsulates to a pseudorandom value rather than an error, so mismatches
// surface later as an authentication failure on the derived key.
func (kp *KEMKeyPair) KEMDecapsulate(ciphertext []byte) ([]byte, error) {
	if kp == nil || kp.private == nil || kp.private.key == nil {
		return nil, qerrors.NewCryptoError("KEMDecapsulate", qerrors.ErrInvalidParameter)
	}
	if len(ciphertext) != constants.MLKEMCiphertextSize {
		return nil, qerrors.NewCryptoError("KEMDecapsulate", qerrors.ErrInvalidMessage)
	}

	ss := make([]byte, mlkem1024.SharedKeySize)
	kp.private.key.DecapsulateTo(ss, ciphertext)

	return ss, nil
}

// Bytes returns the encoded bytes of the encapsulation key.
func (pk *KEMPublicKey) Bytes() []byte {
	if pk == nil || pk.key == nil {
		return nil
	}
	buf := make([]byte, mlkem1024.PublicKeySize)
	pk.key.Pack(buf)
	return buf
}

// ParseKEMPublicKey parses an ML-KEM-1024 encapsulation key from its
// encoded form.
func ParseKEMPublicKey(data []byte) (*KEMPublicKey, error) {
	if len(data) != constants.MLKEMPublicKeySize {
		return nil, qerrors.NewCryptoError("ParseKEMPublicKey", qerrors.ErrInvalidMessage)
	}

	pk := new(mlkem1024.PublicKey)
	if err := pk.Unpack(data); err != nil {
		return nil, qerrors.NewCryptoError("ParseKEMPublicKey", err)
	}

	return &KEMPublicKey{key: pk}, nil
}

// Zeroize drops the decapsulation key reference.
//
// CIRCL does not expose direct zeroization of its key structs; dropping the
// reference is the best available erasure at this layer.
func (kp *KEMKeyPair) Zeroize() {
	kp.private = nil
	kp.Public = nil
}
