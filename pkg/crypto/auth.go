// auth.go wraps ML-DSA-65 digital signatures (NIST FIPS 204).
//
// Signatures are the authentication capability consumed by the session
// handshake: each endpoint holds a long-term ML-DSA identity and signs the
// handshake transcript hash, binding the QKD exchange and the KEM
// encapsulation key to a known identity. ML-DSA-65 targets NIST Category 3,
// comfortably above the channel's classical security level.
package crypto

import (
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// signatureOpts binds every signature to the handshake domain so identity
// keys cannot be cross-used against another protocol.
var signatureOpts = &sign.SignatureOpts{Context: constants.DomainSeparatorAuth}

// Identity is a long-term ML-DSA-65 signing identity for one endpoint.
type Identity struct {
	scheme sign.Scheme
	public sign.PublicKey
	secret sign.PrivateKey
}

// GenerateIdentity creates a fresh ML-DSA-65 identity.
func GenerateIdentity() (*Identity, error) {
	scheme := mldsa65.Scheme()
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, qerrors.NewCryptoError("GenerateIdentity", err)
	}
	return &Identity{scheme: scheme, public: pk, secret: sk}, nil
}

// Sign signs a message (normally a transcript hash) with the identity key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id == nil || id.secret == nil {
		return nil, qerrors.NewCryptoError("Identity.Sign", qerrors.ErrInvalidParameter)
	}
	return id.scheme.Sign(id.secret, message, signatureOpts), nil
}

// PublicBytes returns the encoded verification key for wire transfer.
func (id *Identity) PublicBytes() ([]byte, error) {
	if id == nil || id.public == nil {
		return nil, qerrors.NewCryptoError("Identity.PublicBytes", qerrors.ErrInvalidParameter)
	}
	data, err := id.public.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("Identity.PublicBytes", err)
	}
	return data, nil
}

// Zeroize drops the signing key references so they can be collected.
func (id *Identity) Zeroize() {
	if id == nil {
		return
	}
	id.secret = nil
	id.public = nil
}

// VerifySignature verifies an ML-DSA-65 signature against an encoded
// verification key. Returns false for malformed keys or signatures; it never
// panics on untrusted input.
func VerifySignature(publicIdentity, message, signature []byte) bool {
	if len(publicIdentity) != constants.MLDSAPublicKeySize {
		return false
	}
	if len(signature) != constants.MLDSASignatureSize {
		return false
	}

	scheme := mldsa65.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(publicIdentity)
	if err != nil {
		return false
	}

	return scheme.Verify(pk, message, signature, signatureOpts)
}
