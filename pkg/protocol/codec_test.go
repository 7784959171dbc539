package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
	"github.com/qshield-labs/qkdlink/pkg/protocol"
	"github.com/qshield-labs/qkdlink/pkg/qkd"
)

// --- QuantumBurst Tests ---

func TestEncodeDecodeQuantumBurst(t *testing.T) {
	codec := protocol.NewCodec()

	bits := []byte{1, 0, 1, 1, 0, 1, 0, 0, 1, 1}
	bases := []byte{0, 1, 1, 0, 0, 0, 1, 1, 0, 1}

	original := &protocol.QuantumBurst{
		Version: protocol.Current,
		Random:  crypto.MustSecureRandomBytes(constants.HandshakeRandomSize),
		Count:   uint32(len(bits)),
		Bits:    qkd.PackBits(bits),
		Bases:   qkd.PackBases(bases),
	}

	encoded, err := codec.EncodeQuantumBurst(original)
	if err != nil {
		t.Fatalf("EncodeQuantumBurst failed: %v", err)
	}
	if protocol.MessageType(encoded[0]) != protocol.MessageTypeQuantumBurst {
		t.Errorf("wrong message type: got %d", encoded[0])
	}

	decoded, err := codec.DecodeQuantumBurst(encoded)
	if err != nil {
		t.Fatalf("DecodeQuantumBurst failed: %v", err)
	}
	if decoded.Version != original.Version {
		t.Errorf("version mismatch: got %v, want %v", decoded.Version, original.Version)
	}
	if !bytes.Equal(decoded.Random, original.Random) {
		t.Error("random mismatch")
	}
	if decoded.Count != original.Count {
		t.Errorf("count mismatch: got %d, want %d", decoded.Count, original.Count)
	}
	if !bytes.Equal(qkd.UnpackBits(decoded.Bits, int(decoded.Count)), bits) {
		t.Error("bits mismatch after roundtrip")
	}
	if !bytes.Equal(qkd.UnpackBases(decoded.Bases, int(decoded.Count)), bases) {
		t.Error("bases mismatch after roundtrip")
	}
}

func TestEncodeQuantumBurstInvalid(t *testing.T) {
	codec := protocol.NewCodec()
	random := crypto.MustSecureRandomBytes(constants.HandshakeRandomSize)

	tests := []struct {
		name string
		msg  *protocol.QuantumBurst
	}{
		{"zero count", &protocol.QuantumBurst{Version: protocol.Current, Random: random, Count: 0}},
		{"short random", &protocol.QuantumBurst{Version: protocol.Current, Random: random[:8], Count: 8, Bits: []byte{0}, Bases: []byte{0, 0}}},
		{"bits length mismatch", &protocol.QuantumBurst{Version: protocol.Current, Random: random, Count: 16, Bits: []byte{0}, Bases: []byte{0, 0, 0, 0}}},
		{"oversized count", &protocol.QuantumBurst{Version: protocol.Current, Random: random, Count: constants.MaxBurstSize + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.EncodeQuantumBurst(tt.msg); err == nil {
				t.Error("expected encode to fail")
			}
		})
	}
}

func TestDecodeQuantumBurstInvalidInputs(t *testing.T) {
	codec := protocol.NewCodec()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"header only", []byte{0x01, 0, 0, 0, 0}},
		{"wrong message type", []byte{0x02, 0, 0, 0, 10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"truncated payload", []byte{0x01, 0, 0, 0, 100, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.DecodeQuantumBurst(tt.data); err == nil {
				t.Error("expected decode to fail")
			}
		})
	}
}

// --- BasisDisclosure Tests ---

func TestEncodeDecodeBasisDisclosure(t *testing.T) {
	codec := protocol.NewCodec()
	bases := []byte{1, 0, 0, 1, 1}

	// Responder form: carries the classical random.
	withRandom := &protocol.BasisDisclosure{
		Random: crypto.MustSecureRandomBytes(constants.HandshakeRandomSize),
		Count:  uint32(len(bases)),
		Bases:  qkd.PackBases(bases),
	}
	encoded, err := codec.EncodeBasisDisclosure(withRandom)
	if err != nil {
		t.Fatalf("EncodeBasisDisclosure failed: %v", err)
	}
	decoded, err := codec.DecodeBasisDisclosure(encoded)
	if err != nil {
		t.Fatalf("DecodeBasisDisclosure failed: %v", err)
	}
	if !bytes.Equal(decoded.Random, withRandom.Random) {
		t.Error("random mismatch")
	}
	if !bytes.Equal(qkd.UnpackBases(decoded.Bases, len(bases)), bases) {
		t.Error("bases mismatch")
	}

	// Initiator form: no random.
	withoutRandom := &protocol.BasisDisclosure{
		Count: uint32(len(bases)),
		Bases: qkd.PackBases(bases),
	}
	encoded, err = codec.EncodeBasisDisclosure(withoutRandom)
	if err != nil {
		t.Fatalf("EncodeBasisDisclosure failed: %v", err)
	}
	decoded, err = codec.DecodeBasisDisclosure(encoded)
	if err != nil {
		t.Fatalf("DecodeBasisDisclosure failed: %v", err)
	}
	if len(decoded.Random) != 0 {
		t.Errorf("expected empty random, got %d bytes", len(decoded.Random))
	}
}

// --- SampleDisclosure Tests ---

func TestEncodeDecodeSampleDisclosure(t *testing.T) {
	codec := protocol.NewCodec()

	bits := []byte{1, 0, 1}
	original := &protocol.SampleDisclosure{
		Indices: []uint32{3, 17, 42},
		Bits:    qkd.PackBits(bits),
	}

	encoded, err := codec.EncodeSampleDisclosure(original)
	if err != nil {
		t.Fatalf("EncodeSampleDisclosure failed: %v", err)
	}
	decoded, err := codec.DecodeSampleDisclosure(encoded)
	if err != nil {
		t.Fatalf("DecodeSampleDisclosure failed: %v", err)
	}
	if len(decoded.Indices) != 3 {
		t.Fatalf("index count: got %d, want 3", len(decoded.Indices))
	}
	for i, idx := range decoded.Indices {
		if idx != original.Indices[i] {
			t.Errorf("index %d: got %d, want %d", i, idx, original.Indices[i])
		}
	}
	if !bytes.Equal(qkd.UnpackBits(decoded.Bits, 3), bits) {
		t.Error("sample bits mismatch")
	}
}

// --- QberVerdict Tests ---

func TestEncodeDecodeQberVerdict(t *testing.T) {
	codec := protocol.NewCodec()

	for _, accepted := range []bool{true, false} {
		original := &protocol.QberVerdict{
			SampleSize: 128,
			Mismatches: 9,
			Accepted:   accepted,
		}
		encoded, err := codec.EncodeQberVerdict(original)
		if err != nil {
			t.Fatalf("EncodeQberVerdict failed: %v", err)
		}
		decoded, err := codec.DecodeQberVerdict(encoded)
		if err != nil {
			t.Fatalf("DecodeQberVerdict failed: %v", err)
		}
		if decoded.SampleSize != 128 || decoded.Mismatches != 9 || decoded.Accepted != accepted {
			t.Errorf("roundtrip mismatch: %+v", decoded)
		}
	}
}

// --- Auth Message Tests ---

func TestEncodeDecodeAuthHandshake(t *testing.T) {
	codec := protocol.NewCodec()

	original := &protocol.AuthHandshake{
		Identity:     crypto.MustSecureRandomBytes(constants.MLDSAPublicKeySize),
		KEMPublicKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		Signature:    crypto.MustSecureRandomBytes(constants.MLDSASignatureSize),
	}

	encoded, err := codec.EncodeAuthHandshake(original)
	if err != nil {
		t.Fatalf("EncodeAuthHandshake failed: %v", err)
	}
	decoded, err := codec.DecodeAuthHandshake(encoded)
	if err != nil {
		t.Fatalf("DecodeAuthHandshake failed: %v", err)
	}
	if !bytes.Equal(decoded.Identity, original.Identity) {
		t.Error("identity mismatch")
	}
	if !bytes.Equal(decoded.KEMPublicKey, original.KEMPublicKey) {
		t.Error("KEM public key mismatch")
	}
	if !bytes.Equal(decoded.Signature, original.Signature) {
		t.Error("signature mismatch")
	}
}

func TestEncodeAuthHandshakeWrongSizes(t *testing.T) {
	codec := protocol.NewCodec()
	msg := &protocol.AuthHandshake{
		Identity:     []byte{1, 2, 3},
		KEMPublicKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		Signature:    crypto.MustSecureRandomBytes(constants.MLDSASignatureSize),
	}
	if _, err := codec.EncodeAuthHandshake(msg); err == nil {
		t.Error("expected encode to fail for short identity")
	}
}

func TestEncodeDecodeAuthResponse(t *testing.T) {
	codec := protocol.NewCodec()

	original := &protocol.AuthResponse{
		Identity:      crypto.MustSecureRandomBytes(constants.MLDSAPublicKeySize),
		KEMCiphertext: crypto.MustSecureRandomBytes(constants.MLKEMCiphertextSize),
		Signature:     crypto.MustSecureRandomBytes(constants.MLDSASignatureSize),
	}

	encoded, err := codec.EncodeAuthResponse(original)
	if err != nil {
		t.Fatalf("EncodeAuthResponse failed: %v", err)
	}
	decoded, err := codec.DecodeAuthResponse(encoded)
	if err != nil {
		t.Fatalf("DecodeAuthResponse failed: %v", err)
	}
	if !bytes.Equal(decoded.Identity, original.Identity) {
		t.Error("identity mismatch")
	}
	if !bytes.Equal(decoded.KEMCiphertext, original.KEMCiphertext) {
		t.Error("ciphertext mismatch")
	}
	if !bytes.Equal(decoded.Signature, original.Signature) {
		t.Error("signature mismatch")
	}
}

// --- SecureFrame Tests ---

func TestEncodeDecodeSecureFrame(t *testing.T) {
	codec := protocol.NewCodec()

	nonce := crypto.MustSecureRandomBytes(constants.AEADNonceSize)
	original := &protocol.SecureFrame{
		Generation: 3,
		Sequence:   0x123456789A,
		Nonce:      nonce,
		Ciphertext: crypto.MustSecureRandomBytes(64),
	}

	encoded, err := codec.EncodeSecureFrame(original)
	if err != nil {
		t.Fatalf("EncodeSecureFrame failed: %v", err)
	}
	decoded, err := codec.DecodeSecureFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeSecureFrame failed: %v", err)
	}
	if decoded.Generation != 3 || decoded.Sequence != 0x123456789A {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Nonce, original.Nonce) {
		t.Error("nonce mismatch")
	}
	if !bytes.Equal(decoded.Ciphertext, original.Ciphertext) {
		t.Error("ciphertext mismatch")
	}
}

func TestEncodeSecureFrameLimits(t *testing.T) {
	codec := protocol.NewCodec()
	nonce := crypto.MustSecureRandomBytes(constants.AEADNonceSize)

	oversized := &protocol.SecureFrame{
		Generation: 1,
		Nonce:      nonce,
		Ciphertext: make([]byte, constants.MaxPayloadSize+constants.AEADTagSize+1),
	}
	if _, err := codec.EncodeSecureFrame(oversized); !errors.Is(err, qerrors.ErrMessageTooLarge) {
		t.Errorf("oversized frame: got %v, want ErrMessageTooLarge", err)
	}

	zeroGen := &protocol.SecureFrame{
		Generation: 0,
		Nonce:      nonce,
		Ciphertext: make([]byte, 32),
	}
	if _, err := codec.EncodeSecureFrame(zeroGen); err == nil {
		t.Error("expected encode to fail for generation zero")
	}
}

// --- Rotate / Close / Alert Tests ---

func TestEncodeDecodeRotate(t *testing.T) {
	codec := protocol.NewCodec()

	encoded, err := codec.EncodeRotate(&protocol.Rotate{NewGeneration: 7})
	if err != nil {
		t.Fatalf("EncodeRotate failed: %v", err)
	}
	decoded, err := codec.DecodeRotate(encoded)
	if err != nil {
		t.Fatalf("DecodeRotate failed: %v", err)
	}
	if decoded.NewGeneration != 7 {
		t.Errorf("generation: got %d, want 7", decoded.NewGeneration)
	}

	// The first rotation targets generation 2; anything lower is invalid.
	if _, err := codec.EncodeRotate(&protocol.Rotate{NewGeneration: 1}); err == nil {
		t.Error("expected encode to fail for generation 1")
	}
}

func TestEncodeClose(t *testing.T) {
	codec := protocol.NewCodec()
	encoded := codec.EncodeClose()

	if len(encoded) != protocol.HeaderSize {
		t.Errorf("length: got %d, want %d", len(encoded), protocol.HeaderSize)
	}
	msgType, err := codec.GetMessageType(encoded)
	if err != nil {
		t.Fatalf("GetMessageType failed: %v", err)
	}
	if msgType != protocol.MessageTypeClose {
		t.Errorf("type: got %v, want Close", msgType)
	}
}

func TestEncodeDecodeAlert(t *testing.T) {
	codec := protocol.NewCodec()

	encoded := codec.EncodeAlert(protocol.AlertLevelFatal, protocol.AlertCodeEavesdropping, "qber over threshold")
	decoded, err := codec.DecodeAlert(encoded)
	if err != nil {
		t.Fatalf("DecodeAlert failed: %v", err)
	}
	if decoded.Level != protocol.AlertLevelFatal {
		t.Errorf("level: got %v, want fatal", decoded.Level)
	}
	if decoded.Code != protocol.AlertCodeEavesdropping {
		t.Errorf("code: got %v, want eavesdropping", decoded.Code)
	}
	if decoded.Description != "qber over threshold" {
		t.Errorf("description: got %q", decoded.Description)
	}
}

func TestEncodeAlertTruncatesDescription(t *testing.T) {
	codec := protocol.NewCodec()

	long := string(bytes.Repeat([]byte{'x'}, 300))
	encoded := codec.EncodeAlert(protocol.AlertLevelWarning, protocol.AlertCodeInternalError, long)
	decoded, err := codec.DecodeAlert(encoded)
	if err != nil {
		t.Fatalf("DecodeAlert failed: %v", err)
	}
	if len(decoded.Description) != 255 {
		t.Errorf("description length: got %d, want 255", len(decoded.Description))
	}
}

// --- ReadMessage Tests ---

func TestReadMessage(t *testing.T) {
	codec := protocol.NewCodec()

	encoded, err := codec.EncodeRotate(&protocol.Rotate{NewGeneration: 2})
	if err != nil {
		t.Fatalf("EncodeRotate failed: %v", err)
	}

	msg, err := codec.ReadMessage(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, encoded) {
		t.Error("read message differs from written message")
	}
}

func TestReadMessageErrors(t *testing.T) {
	codec := protocol.NewCodec()

	// Truncated header.
	if _, err := codec.ReadMessage(bytes.NewReader([]byte{0x01, 0x00})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated header: got %v, want ErrUnexpectedEOF", err)
	}

	// Length field exceeding the protocol maximum.
	huge := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := codec.ReadMessage(bytes.NewReader(huge)); !errors.Is(err, qerrors.ErrMessageTooLarge) {
		t.Errorf("huge length: got %v, want ErrMessageTooLarge", err)
	}

	// Truncated payload.
	truncated := []byte{0x01, 0x00, 0x00, 0x00, 0x10, 0xAA}
	if _, err := codec.ReadMessage(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated payload: got %v, want ErrUnexpectedEOF", err)
	}

	// Empty stream.
	if _, err := codec.ReadMessage(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Errorf("empty stream: got %v, want EOF", err)
	}
}

func TestGetMessageType(t *testing.T) {
	codec := protocol.NewCodec()

	if _, err := codec.GetMessageType(nil); !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("empty data: got %v, want ErrInvalidMessage", err)
	}

	msgType, err := codec.GetMessageType([]byte{byte(protocol.MessageTypeSecureFrame)})
	if err != nil {
		t.Fatalf("GetMessageType failed: %v", err)
	}
	if msgType != protocol.MessageTypeSecureFrame {
		t.Errorf("got %v, want SecureFrame", msgType)
	}
}
