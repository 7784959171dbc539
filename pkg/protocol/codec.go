// codec.go implements serialization and deserialization of protocol messages.
//
// Wire Format:
//
// All messages follow this structure:
//
//	+------+--------+----------+
//	| Type | Length | Payload  |
//	| 1B   | 4B BE  | Variable |
//	+------+--------+----------+
//
// Length is big-endian uint32, not including header bytes.
//
// QuantumBurst Format:
//
//	+---------+--------+-------+-------------+---------------+
//	| Version | Random | Count | Bits        | Bases         |
//	| 2B      | 32B    | 4B BE | (Count+7)/8 | (Count+3)/4   |
//	+---------+--------+-------+-------------+---------------+
//
// SecureFrame Format:
//
//	+------------+----------+-------+---------------------+
//	| Generation | Sequence | Nonce | Ciphertext          |
//	| 4B BE      | 8B BE    | 12B   | Variable (incl tag) |
//	+------------+----------+-------+---------------------+
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// Codec provides message serialization and deserialization.
type Codec struct{}

// NewCodec creates a new protocol codec.
func NewCodec() *Codec {
	return &Codec{}
}

// EncodeQuantumBurst serializes a QuantumBurst message.
func (c *Codec) EncodeQuantumBurst(m *QuantumBurst) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payloadSize := 2 + // version
		constants.HandshakeRandomSize + // random
		4 + // count
		len(m.Bits) +
		len(m.Bases)

	buf := make([]byte, HeaderSize+payloadSize)
	offset := 0

	// Header
	buf[offset] = byte(MessageTypeQuantumBurst)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadSize))
	offset += 4

	// Version
	buf[offset] = m.Version.Major
	buf[offset+1] = m.Version.Minor
	offset += 2

	// Random
	copy(buf[offset:], m.Random)
	offset += constants.HandshakeRandomSize

	// Count
	binary.BigEndian.PutUint32(buf[offset:], m.Count)
	offset += 4

	// Bits then bases
	copy(buf[offset:], m.Bits)
	offset += len(m.Bits)
	copy(buf[offset:], m.Bases)

	return buf, nil
}

// DecodeQuantumBurst deserializes a QuantumBurst message.
func (c *Codec) DecodeQuantumBurst(data []byte) (*QuantumBurst, error) {
	if len(data) < HeaderSize {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeQuantumBurst {
		return nil, qerrors.ErrInvalidMessage
	}

	payloadLen := binary.BigEndian.Uint32(data[1:5])
	if len(data) < HeaderSize+int(payloadLen) {
		return nil, qerrors.ErrInvalidMessage
	}

	minPayloadLen := 2 + constants.HandshakeRandomSize + 4
	if int(payloadLen) < minPayloadLen {
		return nil, qerrors.ErrInvalidMessage
	}

	offset := HeaderSize
	m := &QuantumBurst{}

	// Version
	m.Version = Version{Major: data[offset], Minor: data[offset+1]}
	offset += 2

	// Random
	m.Random = make([]byte, constants.HandshakeRandomSize)
	copy(m.Random, data[offset:offset+constants.HandshakeRandomSize])
	offset += constants.HandshakeRandomSize

	// Count
	m.Count = binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if m.Count == 0 || m.Count > constants.MaxBurstSize {
		return nil, qerrors.ErrInvalidMessage
	}

	bitsLen := int(m.Count+7) / 8
	basesLen := int(m.Count+3) / 4
	if int(payloadLen) != minPayloadLen+bitsLen+basesLen {
		return nil, qerrors.ErrInvalidMessage
	}

	m.Bits = make([]byte, bitsLen)
	copy(m.Bits, data[offset:offset+bitsLen])
	offset += bitsLen

	m.Bases = make([]byte, basesLen)
	copy(m.Bases, data[offset:offset+basesLen])

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeBasisDisclosure serializes a BasisDisclosure message.
func (c *Codec) EncodeBasisDisclosure(m *BasisDisclosure) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payloadSize := 1 + len(m.Random) + // random length + data
		4 + // count
		len(m.Bases)

	buf := make([]byte, HeaderSize+payloadSize)
	offset := 0

	// Header
	buf[offset] = byte(MessageTypeBasisDisclosure)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadSize))
	offset += 4

	// Random (length-prefixed; empty for the initiator's disclosure)
	buf[offset] = byte(len(m.Random))
	offset++
	copy(buf[offset:], m.Random)
	offset += len(m.Random)

	// Count
	binary.BigEndian.PutUint32(buf[offset:], m.Count)
	offset += 4

	// Bases
	copy(buf[offset:], m.Bases)

	return buf, nil
}

// DecodeBasisDisclosure deserializes a BasisDisclosure message.
func (c *Codec) DecodeBasisDisclosure(data []byte) (*BasisDisclosure, error) {
	if len(data) < HeaderSize {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeBasisDisclosure {
		return nil, qerrors.ErrInvalidMessage
	}

	payloadLen := binary.BigEndian.Uint32(data[1:5])
	if len(data) < HeaderSize+int(payloadLen) {
		return nil, qerrors.ErrInvalidMessage
	}

	if int(payloadLen) < 1+4 {
		return nil, qerrors.ErrInvalidMessage
	}

	offset := HeaderSize
	m := &BasisDisclosure{}

	// Random
	randomLen := int(data[offset])
	offset++
	if int(payloadLen) < 1+randomLen+4 {
		return nil, qerrors.ErrInvalidMessage
	}
	if randomLen > 0 {
		m.Random = make([]byte, randomLen)
		copy(m.Random, data[offset:offset+randomLen])
		offset += randomLen
	}

	// Count
	m.Count = binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if m.Count == 0 || m.Count > constants.MaxBurstSize {
		return nil, qerrors.ErrInvalidMessage
	}

	basesLen := int(m.Count+3) / 4
	if int(payloadLen) != 1+randomLen+4+basesLen {
		return nil, qerrors.ErrInvalidMessage
	}

	m.Bases = make([]byte, basesLen)
	copy(m.Bases, data[offset:offset+basesLen])

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeSampleDisclosure serializes a SampleDisclosure message.
func (c *Codec) EncodeSampleDisclosure(m *SampleDisclosure) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payloadSize := 4 + // index count
		4*len(m.Indices) +
		len(m.Bits)

	buf := make([]byte, HeaderSize+payloadSize)
	offset := 0

	// Header
	buf[offset] = byte(MessageTypeSampleDisclosure)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadSize))
	offset += 4

	// Indices
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.Indices)))
	offset += 4
	for _, idx := range m.Indices {
		binary.BigEndian.PutUint32(buf[offset:], idx)
		offset += 4
	}

	// Bits
	copy(buf[offset:], m.Bits)

	return buf, nil
}

// DecodeSampleDisclosure deserializes a SampleDisclosure message.
func (c *Codec) DecodeSampleDisclosure(data []byte) (*SampleDisclosure, error) {
	if len(data) < HeaderSize {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeSampleDisclosure {
		return nil, qerrors.ErrInvalidMessage
	}

	payloadLen := binary.BigEndian.Uint32(data[1:5])
	if len(data) < HeaderSize+int(payloadLen) {
		return nil, qerrors.ErrInvalidMessage
	}

	if int(payloadLen) < 4 {
		return nil, qerrors.ErrInvalidMessage
	}

	offset := HeaderSize
	m := &SampleDisclosure{}

	indexCount := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if indexCount == 0 || indexCount > constants.MaxBurstSize {
		return nil, qerrors.ErrInvalidMessage
	}

	bitsLen := (int(indexCount) + 7) / 8
	if int(payloadLen) != 4+4*int(indexCount)+bitsLen {
		return nil, qerrors.ErrInvalidMessage
	}

	m.Indices = make([]uint32, indexCount)
	for i := range m.Indices {
		m.Indices[i] = binary.BigEndian.Uint32(data[offset:])
		offset += 4
	}

	m.Bits = make([]byte, bitsLen)
	copy(m.Bits, data[offset:offset+bitsLen])

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeQberVerdict serializes a QberVerdict message.
func (c *Codec) EncodeQberVerdict(m *QberVerdict) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payloadSize := 4 + 4 + 1
	buf := make([]byte, HeaderSize+payloadSize)

	buf[0] = byte(MessageTypeQberVerdict)
	binary.BigEndian.PutUint32(buf[1:], uint32(payloadSize))
	binary.BigEndian.PutUint32(buf[HeaderSize:], m.SampleSize)
	binary.BigEndian.PutUint32(buf[HeaderSize+4:], m.Mismatches)
	if m.Accepted {
		buf[HeaderSize+8] = 1
	}

	return buf, nil
}

// DecodeQberVerdict deserializes a QberVerdict message.
func (c *Codec) DecodeQberVerdict(data []byte) (*QberVerdict, error) {
	if len(data) < HeaderSize+9 {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeQberVerdict {
		return nil, qerrors.ErrInvalidMessage
	}

	m := &QberVerdict{
		SampleSize: binary.BigEndian.Uint32(data[HeaderSize:]),
		Mismatches: binary.BigEndian.Uint32(data[HeaderSize+4:]),
		Accepted:   data[HeaderSize+8] == 1,
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeAuthHandshake serializes an AuthHandshake message.
func (c *Codec) EncodeAuthHandshake(m *AuthHandshake) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payloadSize := constants.MLDSAPublicKeySize +
		constants.MLKEMPublicKeySize +
		constants.MLDSASignatureSize

	buf := make([]byte, HeaderSize+payloadSize)
	offset := 0

	buf[offset] = byte(MessageTypeAuthHandshake)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadSize))
	offset += 4

	copy(buf[offset:], m.Identity)
	offset += constants.MLDSAPublicKeySize
	copy(buf[offset:], m.KEMPublicKey)
	offset += constants.MLKEMPublicKeySize
	copy(buf[offset:], m.Signature)

	return buf, nil
}

// DecodeAuthHandshake deserializes an AuthHandshake message.
func (c *Codec) DecodeAuthHandshake(data []byte) (*AuthHandshake, error) {
	expectedLen := HeaderSize +
		constants.MLDSAPublicKeySize +
		constants.MLKEMPublicKeySize +
		constants.MLDSASignatureSize
	if len(data) < expectedLen {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeAuthHandshake {
		return nil, qerrors.ErrInvalidMessage
	}

	offset := HeaderSize
	m := &AuthHandshake{}

	m.Identity = make([]byte, constants.MLDSAPublicKeySize)
	copy(m.Identity, data[offset:offset+constants.MLDSAPublicKeySize])
	offset += constants.MLDSAPublicKeySize

	m.KEMPublicKey = make([]byte, constants.MLKEMPublicKeySize)
	copy(m.KEMPublicKey, data[offset:offset+constants.MLKEMPublicKeySize])
	offset += constants.MLKEMPublicKeySize

	m.Signature = make([]byte, constants.MLDSASignatureSize)
	copy(m.Signature, data[offset:offset+constants.MLDSASignatureSize])

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeAuthResponse serializes an AuthResponse message.
func (c *Codec) EncodeAuthResponse(m *AuthResponse) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payloadSize := constants.MLDSAPublicKeySize +
		constants.MLKEMCiphertextSize +
		constants.MLDSASignatureSize

	buf := make([]byte, HeaderSize+payloadSize)
	offset := 0

	buf[offset] = byte(MessageTypeAuthResponse)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadSize))
	offset += 4

	copy(buf[offset:], m.Identity)
	offset += constants.MLDSAPublicKeySize
	copy(buf[offset:], m.KEMCiphertext)
	offset += constants.MLKEMCiphertextSize
	copy(buf[offset:], m.Signature)

	return buf, nil
}

// DecodeAuthResponse deserializes an AuthResponse message.
func (c *Codec) DecodeAuthResponse(data []byte) (*AuthResponse, error) {
	expectedLen := HeaderSize +
		constants.MLDSAPublicKeySize +
		constants.MLKEMCiphertextSize +
		constants.MLDSASignatureSize
	if len(data) < expectedLen {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeAuthResponse {
		return nil, qerrors.ErrInvalidMessage
	}

	offset := HeaderSize
	m := &AuthResponse{}

	m.Identity = make([]byte, constants.MLDSAPublicKeySize)
	copy(m.Identity, data[offset:offset+constants.MLDSAPublicKeySize])
	offset += constants.MLDSAPublicKeySize

	m.KEMCiphertext = make([]byte, constants.MLKEMCiphertextSize)
	copy(m.KEMCiphertext, data[offset:offset+constants.MLKEMCiphertextSize])
	offset += constants.MLKEMCiphertextSize

	m.Signature = make([]byte, constants.MLDSASignatureSize)
	copy(m.Signature, data[offset:offset+constants.MLDSASignatureSize])

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeSecureFrame serializes a SecureFrame message.
func (c *Codec) EncodeSecureFrame(m *SecureFrame) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(m.Ciphertext) > constants.MaxPayloadSize+constants.AEADTagSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	payloadSize := 4 + 8 + constants.AEADNonceSize + len(m.Ciphertext)
	buf := make([]byte, HeaderSize+payloadSize)
	offset := 0

	buf[offset] = byte(MessageTypeSecureFrame)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadSize))
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], m.Generation)
	offset += 4
	binary.BigEndian.PutUint64(buf[offset:], m.Sequence)
	offset += 8
	copy(buf[offset:], m.Nonce)
	offset += constants.AEADNonceSize
	copy(buf[offset:], m.Ciphertext)

	return buf, nil
}

// DecodeSecureFrame deserializes a SecureFrame message.
func (c *Codec) DecodeSecureFrame(data []byte) (*SecureFrame, error) {
	minLen := HeaderSize + 4 + 8 + constants.AEADNonceSize + constants.AEADTagSize
	if len(data) < minLen {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeSecureFrame {
		return nil, qerrors.ErrInvalidMessage
	}

	payloadLen := binary.BigEndian.Uint32(data[1:5])
	if len(data) < HeaderSize+int(payloadLen) {
		return nil, qerrors.ErrInvalidMessage
	}

	offset := HeaderSize
	m := &SecureFrame{}

	m.Generation = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	m.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	m.Nonce = make([]byte, constants.AEADNonceSize)
	copy(m.Nonce, data[offset:offset+constants.AEADNonceSize])
	offset += constants.AEADNonceSize

	ctLen := int(payloadLen) - 4 - 8 - constants.AEADNonceSize
	m.Ciphertext = make([]byte, ctLen)
	copy(m.Ciphertext, data[offset:offset+ctLen])

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeRotate serializes a Rotate message.
func (c *Codec) EncodeRotate(m *Rotate) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+4)
	buf[0] = byte(MessageTypeRotate)
	binary.BigEndian.PutUint32(buf[1:], 4)
	binary.BigEndian.PutUint32(buf[HeaderSize:], m.NewGeneration)

	return buf, nil
}

// DecodeRotate deserializes a Rotate message.
func (c *Codec) DecodeRotate(data []byte) (*Rotate, error) {
	if len(data) < HeaderSize+4 {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeRotate {
		return nil, qerrors.ErrInvalidMessage
	}

	m := &Rotate{NewGeneration: binary.BigEndian.Uint32(data[HeaderSize:])}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// EncodeClose serializes a Close message. It carries no payload.
func (c *Codec) EncodeClose() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(MessageTypeClose)
	return buf
}

// EncodeAlert serializes an alert message.
func (c *Codec) EncodeAlert(level AlertLevel, code AlertCode, description string) []byte {
	// Description length is stored in a single byte (max 255)
	if len(description) > 255 {
		description = description[:255]
	}

	payloadSize := 1 + 1 + 1 + len(description)
	buf := make([]byte, HeaderSize+payloadSize)

	buf[0] = byte(MessageTypeAlert)
	// payloadSize is max 258 bytes, so safe to cast
	//nolint:gosec // G115: payloadSize is bounded < 300
	binary.BigEndian.PutUint32(buf[1:], uint32(payloadSize))
	buf[HeaderSize] = byte(level)
	buf[HeaderSize+1] = byte(code)
	buf[HeaderSize+2] = byte(len(description))
	copy(buf[HeaderSize+3:], description)

	return buf
}

// DecodeAlert deserializes an alert message.
func (c *Codec) DecodeAlert(data []byte) (*Alert, error) {
	if len(data) < HeaderSize+3 {
		return nil, qerrors.ErrInvalidMessage
	}

	if MessageType(data[0]) != MessageTypeAlert {
		return nil, qerrors.ErrInvalidMessage
	}

	descLen := int(data[HeaderSize+2])
	if len(data) < HeaderSize+3+descLen {
		return nil, qerrors.ErrInvalidMessage
	}

	m := &Alert{
		Level:       AlertLevel(data[HeaderSize]),
		Code:        AlertCode(data[HeaderSize+1]),
		Description: string(data[HeaderSize+3 : HeaderSize+3+descLen]),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// ReadMessage reads a complete message from the reader.
func (c *Codec) ReadMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[1:5])
	if payloadLen > MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	msg := make([]byte, HeaderSize+payloadLen)
	copy(msg, header)

	if payloadLen > 0 {
		if _, err := io.ReadFull(r, msg[HeaderSize:]); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// GetMessageType returns the type of a serialized message.
func (c *Codec) GetMessageType(data []byte) (MessageType, error) {
	if len(data) < 1 {
		return 0, qerrors.ErrInvalidMessage
	}
	return MessageType(data[0]), nil
}
