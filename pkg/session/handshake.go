// handshake.go implements the QKD-Link handshake state machine.
//
// The handshake establishes the first session key in five stages:
//
//  1. Quantum exchange: the initiator generates a random (bit, basis)
//     stream and transmits it over the simulated quantum channel; the
//     responder measures it in independently random bases.
//  2. Sifting: both endpoints disclose bases over the classical channel
//     and discard positions where the bases differ. A sifted key below
//     the configured minimum triggers a fresh quantum exchange.
//  3. Error-rate check: the initiator discloses a random sample of the
//     sifted key; the responder compares and aborts when the observed
//     error rate exceeds the threshold, since excess errors are
//     indistinguishable from an intercept-resend eavesdropper.
//  4. Authentication: both endpoints sign the handshake transcript with
//     ML-DSA-65 and exchange an ML-KEM-1024 encapsulation, binding the
//     unauthenticated quantum exchange to known identities.
//  5. Key derivation: the sifted bits (sample positions removed), the
//     exchanged classical randoms, and the KEM shared secret feed the
//     hybrid KDF; the result activates key generation 1.
//
// A key rotation re-runs the same five stages on the live channel with
// fresh randomness, activating the next generation while the previous
// one stays available to drain in-flight frames.
//
// Security Properties:
//   - Eavesdropping detection: measurement disturbs the simulated qubits
//   - Quantum resistance: ML-KEM / ML-DSA (FIPS 203 / 204)
//   - Forward secrecy: ephemeral KEM keys, per-session quantum material
//   - Transcript binding: signatures cover every prior handshake message
package session

import (
	"bytes"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/protocol"
	"github.com/qshield-labs/qkdlink/pkg/qkd"
)

// Handshake manages the QKD handshake process for one endpoint.
type Handshake struct {
	session *Session
	codec   *protocol.Codec
	sim     *qkd.Simulator

	// Classical entropy contributions
	initiatorRandom []byte
	responderRandom []byte

	// Usable sifted key after sample removal
	sifted *qkd.SiftedKey

	// KEM shared secret from the authentication stage
	kemSecret []byte

	// Transcript of all handshake wire messages
	transcript bytes.Buffer

	// rekey marks a rotation re-running the exchange on the live
	// channel; the session stays in PhaseRotating throughout and the
	// peer identity must not change.
	rekey bool

	// stash diverts messages that are not part of the exchange, such as
	// data frames sealed before the peer saw the rotation announcement.
	// It reports whether the message was consumed.
	stash func(protocol.MessageType, []byte) bool
}

// NewHandshake creates a new handshake for the given session.
func NewHandshake(session *Session) *Handshake {
	return &Handshake{
		session: session,
		codec:   protocol.NewCodec(),
		sim:     qkd.NewSimulator(),
	}
}

// messageReader abstracts the classical channel for the handshake.
type messageReader interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// send encodes nothing; data is already wire format. It appends the
// message to the transcript after a successful write.
func (h *Handshake) send(rw messageReader, data []byte) error {
	if _, err := rw.Write(data); err != nil {
		return qerrors.NewTransportError("handshake", err)
	}
	h.transcript.Write(data)
	return nil
}

// receive reads one message and appends it to the transcript. Stashed
// messages are diverted and the read repeats.
func (h *Handshake) receive(rw messageReader) ([]byte, protocol.MessageType, error) {
	data, msgType, err := h.read(rw)
	if err != nil {
		return nil, 0, err
	}
	h.transcript.Write(data)
	return data, msgType, nil
}

func (h *Handshake) read(rw messageReader) ([]byte, protocol.MessageType, error) {
	for {
		data, err := h.codec.ReadMessage(rw)
		if err != nil {
			return nil, 0, qerrors.NewTransportError("handshake", err)
		}
		msgType, err := h.codec.GetMessageType(data)
		if err != nil {
			return nil, 0, err
		}
		if h.stash != nil && h.stash(msgType, data) {
			continue
		}
		return data, msgType, nil
	}
}

// setPhase advances the session phase. A rekey holds the session in
// PhaseRotating until the new generation activates.
func (h *Handshake) setPhase(p Phase) {
	if h.rekey {
		return
	}
	h.session.setPhase(p)
}

// cleanup zeroizes sensitive handshake intermediates.
func (h *Handshake) cleanup() {
	if h.sifted != nil {
		crypto.Zeroize(h.sifted.Bits)
		h.sifted = nil
	}
	crypto.ZeroizeMultiple(h.kemSecret, h.initiatorRandom, h.responderRandom)
	h.kemSecret = nil
	h.transcript.Reset()
}

// --- Initiator ---

// runInitiator performs the complete handshake as initiator.
func (h *Handshake) runInitiator(rw messageReader) error {
	s := h.session
	cfg := s.config

	h.initiatorRandom = crypto.MustSecureRandomBytes(constants.HandshakeRandomSize)

	// Stage 1+2: quantum exchange and sifting, retried while the sifted
	// key is too short.
	sifted, err := h.initiatorQuantumExchange(rw)
	if err != nil {
		return err
	}

	// Stage 3: disclose a sample for the error-rate check.
	h.setPhase(PhaseQberCheck)
	indices, err := qkd.SampleIndices(sifted.Len(), cfg.SampleFraction, crypto.Reader)
	if err != nil {
		return err
	}
	sampleBits := make([]byte, len(indices))
	for i, idx := range indices {
		sampleBits[i] = sifted.Bits[idx]
	}

	sample := &protocol.SampleDisclosure{
		Indices: indices,
		Bits:    qkd.PackBits(sampleBits),
	}
	data, err := h.codec.EncodeSampleDisclosure(sample)
	if err != nil {
		return err
	}
	if err := h.send(rw, data); err != nil {
		return err
	}

	// The responder renders the verdict; an abort is authoritative.
	data, msgType, err := h.receive(rw)
	if err != nil {
		return err
	}
	if msgType != protocol.MessageTypeQberVerdict {
		return qerrors.ErrInvalidMessage
	}
	verdict, err := h.codec.DecodeQberVerdict(data)
	if err != nil {
		return err
	}

	errorRate := float64(verdict.Mismatches) / float64(verdict.SampleSize)
	s.mu.Lock()
	s.qber = errorRate
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.OnQberEstimate(int(verdict.SampleSize), errorRate, verdict.Accepted)
	}
	if !verdict.Accepted {
		return qerrors.ErrEavesdroppingSuspected
	}

	h.sifted = qkd.RemoveIndices(sifted, indices)
	s.mu.Lock()
	s.siftedBits = h.sifted.Len()
	s.mu.Unlock()

	// Stage 4: authenticate and run the KEM exchange.
	h.setPhase(PhaseAuthenticating)
	if err := h.initiatorAuth(rw); err != nil {
		return err
	}

	// Stage 5: derive and activate the first session key.
	h.setPhase(PhaseKeyDerivation)
	return h.deriveAndActivate()
}

// initiatorQuantumExchange runs the quantum burst and sifting stages,
// retrying with fresh randomness when the sifted key is too short.
func (h *Handshake) initiatorQuantumExchange(rw messageReader) (*qkd.SiftedKey, error) {
	s := h.session
	cfg := s.config

	for attempt := 0; attempt < constants.MaxHandshakeRetries; attempt++ {
		h.setPhase(PhaseQuantumExchange)

		stream, err := h.sim.Generate(cfg.KeyLengthBits)
		if err != nil {
			return nil, err
		}

		burst := &protocol.QuantumBurst{
			Version: protocol.Current,
			Random:  h.initiatorRandom,
			Count:   uint32(stream.Len()),
			Bits:    qkd.PackBits(stream.Bits),
			Bases:   qkd.PackBases(stream.Bases),
		}
		data, err := h.codec.EncodeQuantumBurst(burst)
		if err != nil {
			return nil, err
		}
		if err := h.send(rw, data); err != nil {
			return nil, err
		}

		// Responder's measurement bases and classical random.
		data, msgType, err := h.receive(rw)
		if err != nil {
			return nil, err
		}
		if msgType != protocol.MessageTypeBasisDisclosure {
			return nil, qerrors.ErrInvalidMessage
		}
		disclosure, err := h.codec.DecodeBasisDisclosure(data)
		if err != nil {
			return nil, err
		}
		if len(disclosure.Random) != constants.HandshakeRandomSize {
			return nil, qerrors.ErrInvalidMessage
		}
		if h.responderRandom == nil {
			h.responderRandom = disclosure.Random
		}
		if int(disclosure.Count) != stream.Len() {
			return nil, qerrors.ErrLengthMismatch
		}
		peerBases := qkd.UnpackBases(disclosure.Bases, stream.Len())

		// Disclose our bases so the responder can sift too.
		reply := &protocol.BasisDisclosure{
			Count: uint32(stream.Len()),
			Bases: qkd.PackBases(stream.Bases),
		}
		data, err = h.codec.EncodeBasisDisclosure(reply)
		if err != nil {
			return nil, err
		}
		if err := h.send(rw, data); err != nil {
			return nil, err
		}

		h.setPhase(PhaseSifting)
		sifted, err := qkd.Sift(stream.Bases, peerBases, stream.Bits)
		if err != nil {
			return nil, err
		}

		if sifted.Len() >= cfg.MinSiftedBits {
			return sifted, nil
		}

		// Both endpoints compute the same sifted length from the same
		// bases, so they retry in lockstep without extra signaling.
		s.logger.Warn("sifted key too short, retrying quantum exchange", metrics.Fields{
			"sifted":  sifted.Len(),
			"minimum": cfg.MinSiftedBits,
			"attempt": attempt + 1,
		})
	}

	return nil, qerrors.ErrInsufficientKeyMaterial
}

// initiatorAuth runs the authentication stage as initiator.
func (h *Handshake) initiatorAuth(rw messageReader) error {
	s := h.session

	kemPair, err := crypto.GenerateKEMKeyPair()
	if err != nil {
		return err
	}
	defer kemPair.Zeroize()

	identityBytes, err := s.identity.PublicBytes()
	if err != nil {
		return err
	}

	kemPub := kemPair.Public.Bytes()
	signature, err := s.identity.Sign(crypto.TranscriptHash(h.transcript.Bytes(), kemPub))
	if err != nil {
		return err
	}

	msg := &protocol.AuthHandshake{
		Identity:     identityBytes,
		KEMPublicKey: kemPub,
		Signature:    signature,
	}
	data, err := h.codec.EncodeAuthHandshake(msg)
	if err != nil {
		return err
	}
	if err := h.send(rw, data); err != nil {
		return err
	}

	// Responder's identity and KEM ciphertext.
	data, msgType, err := h.receiveAuth(rw)
	if err != nil {
		return err
	}
	if msgType != protocol.MessageTypeAuthResponse {
		return qerrors.ErrInvalidMessage
	}
	resp, err := h.codec.DecodeAuthResponse(data)
	if err != nil {
		return err
	}

	if err := h.verifyPeer(resp.Identity, resp.KEMCiphertext, resp.Signature); err != nil {
		return err
	}
	h.transcript.Write(data)

	h.kemSecret, err = kemPair.KEMDecapsulate(resp.KEMCiphertext)
	return err
}

// receiveAuth reads a message without appending it to the transcript;
// the caller appends after signature verification so the verified hash
// covers exactly the messages both sides agree on.
func (h *Handshake) receiveAuth(rw messageReader) ([]byte, protocol.MessageType, error) {
	return h.read(rw)
}

// verifyPeer checks the peer identity pin and its transcript signature.
func (h *Handshake) verifyPeer(peerIdentity, signedPayload, signature []byte) error {
	s := h.session

	if len(s.config.ExpectedPeer) > 0 && !bytes.Equal(s.config.ExpectedPeer, peerIdentity) {
		if s.observer != nil {
			s.observer.OnAuthFailure()
		}
		return qerrors.NewProtocolError("auth", qerrors.ErrAuthenticationFailed)
	}

	// A rekey must come from the identity that established the session.
	if h.rekey && !bytes.Equal(s.PeerIdentity(), peerIdentity) {
		if s.observer != nil {
			s.observer.OnAuthFailure()
		}
		return qerrors.NewProtocolError("auth", qerrors.ErrAuthenticationFailed)
	}

	message := crypto.TranscriptHash(h.transcript.Bytes(), signedPayload)
	if !crypto.VerifySignature(peerIdentity, message, signature) {
		if s.observer != nil {
			s.observer.OnAuthFailure()
		}
		return qerrors.NewProtocolError("auth", qerrors.ErrAuthenticationFailed)
	}

	s.mu.Lock()
	s.peerIdentity = peerIdentity
	s.mu.Unlock()

	return nil
}

// deriveAndActivate derives the hybrid key and activates the next
// generation: 1 on the initial handshake, the announced generation on a
// rekey.
func (h *Handshake) deriveAndActivate() error {
	s := h.session

	classical := make([]byte, 0, 2*constants.HandshakeRandomSize)
	classical = append(classical, h.initiatorRandom...)
	classical = append(classical, h.responderRandom...)

	quantum := qkd.PackBits(h.sifted.Bits)
	material, err := crypto.DeriveHybridKey(quantum, classical, h.kemSecret)
	if err != nil {
		return err
	}
	defer crypto.ZeroizeMultiple(material, quantum, classical)

	// A rotated generation chains in the key it replaces, so a fresh
	// exchange alone cannot splice a new key into a running session.
	if h.rekey {
		chained, cerr := h.chainPreviousKey(material)
		if cerr != nil {
			return cerr
		}
		crypto.Zeroize(material)
		material = chained
		defer crypto.Zeroize(chained)
	}

	s.CipherSuite = s.config.CipherSuite
	if _, err := s.activateKey(material); err != nil {
		return err
	}

	s.mu.Lock()
	if s.EstablishedAt.IsZero() {
		s.EstablishedAt = nowFunc()
	}
	s.mu.Unlock()
	s.setPhase(PhaseActive)

	return nil
}

// chainPreviousKey mixes the active generation's key into freshly
// derived material under the rotation domain separator.
func (h *Handshake) chainPreviousKey(material []byte) ([]byte, error) {
	keys := h.session.keys

	current, err := keys.ActiveGeneration()
	if err != nil {
		return nil, err
	}

	var chained []byte
	err = keys.WithKey(current, func(key []byte) error {
		derived, derr := crypto.DeriveKeyMultiple(
			constants.DomainSeparatorRotation,
			[][]byte{material, key},
			constants.SessionKeySize,
		)
		if derr != nil {
			return derr
		}
		chained = derived
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chained, nil
}

// --- Responder ---

// runResponder performs the complete handshake as responder.
func (h *Handshake) runResponder(rw messageReader) error {
	s := h.session
	cfg := s.config

	h.responderRandom = crypto.MustSecureRandomBytes(constants.HandshakeRandomSize)

	estimator, err := qkd.NewEstimator(cfg.QBERThreshold)
	if err != nil {
		return err
	}

	sifted, err := h.responderQuantumExchange(rw)
	if err != nil {
		return err
	}

	// Stage 3: estimate the error rate from the disclosed sample.
	h.setPhase(PhaseQberCheck)
	data, msgType, err := h.receive(rw)
	if err != nil {
		return err
	}
	if msgType != protocol.MessageTypeSampleDisclosure {
		return qerrors.ErrInvalidMessage
	}
	sample, err := h.codec.DecodeSampleDisclosure(data)
	if err != nil {
		return err
	}

	peerBits := qkd.UnpackBits(sample.Bits, len(sample.Indices))
	report, err := estimator.Estimate(sifted.Bits, peerBits, sample.Indices)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.qber = report.ErrorRate
	s.mu.Unlock()

	accepted := report.Decision == qkd.DecisionAccept
	if s.observer != nil {
		s.observer.OnQberEstimate(report.SampleSize, report.ErrorRate, accepted)
	}

	verdict := &protocol.QberVerdict{
		SampleSize: uint32(report.SampleSize),
		Mismatches: uint32(report.Mismatches),
		Accepted:   accepted,
	}
	data, err = h.codec.EncodeQberVerdict(verdict)
	if err != nil {
		return err
	}
	if err := h.send(rw, data); err != nil {
		return err
	}

	if !accepted {
		s.logger.Warn("error rate above threshold, aborting", metrics.Fields{
			"qber":      report.ErrorRate,
			"threshold": cfg.QBERThreshold,
		})
		return qerrors.ErrEavesdroppingSuspected
	}

	h.sifted = qkd.RemoveIndices(sifted, sample.Indices)
	s.mu.Lock()
	s.siftedBits = h.sifted.Len()
	s.mu.Unlock()

	// Stage 4: authenticate and complete the KEM exchange.
	h.setPhase(PhaseAuthenticating)
	if err := h.responderAuth(rw); err != nil {
		return err
	}

	// Stage 5: derive and activate the first session key.
	h.setPhase(PhaseKeyDerivation)
	return h.deriveAndActivate()
}

// responderQuantumExchange measures incoming quantum bursts, retrying in
// lockstep with the initiator while the sifted key is too short.
func (h *Handshake) responderQuantumExchange(rw messageReader) (*qkd.SiftedKey, error) {
	s := h.session
	cfg := s.config

	for attempt := 0; attempt < constants.MaxHandshakeRetries; attempt++ {
		h.setPhase(PhaseQuantumExchange)

		data, msgType, err := h.receive(rw)
		if err != nil {
			return nil, err
		}
		if msgType != protocol.MessageTypeQuantumBurst {
			return nil, qerrors.ErrInvalidMessage
		}
		burst, err := h.codec.DecodeQuantumBurst(data)
		if err != nil {
			return nil, err
		}
		if h.initiatorRandom == nil {
			h.initiatorRandom = burst.Random
			s.Version = burst.Version
		}

		n := int(burst.Count)
		sent := &qkd.BitBasisStream{
			Bits:  qkd.UnpackBits(burst.Bits, n),
			Bases: qkd.UnpackBases(burst.Bases, n),
		}

		// Measure in independently random bases over the noisy channel.
		received, err := h.sim.Transmit(sent, cfg.ChannelErrorRate)
		if err != nil {
			return nil, err
		}

		disclosure := &protocol.BasisDisclosure{
			Random: h.responderRandom,
			Count:  burst.Count,
			Bases:  qkd.PackBases(received.Bases),
		}
		data, err = h.codec.EncodeBasisDisclosure(disclosure)
		if err != nil {
			return nil, err
		}
		if err := h.send(rw, data); err != nil {
			return nil, err
		}

		// Initiator's bases.
		data, msgType, err = h.receive(rw)
		if err != nil {
			return nil, err
		}
		if msgType != protocol.MessageTypeBasisDisclosure {
			return nil, qerrors.ErrInvalidMessage
		}
		peerDisclosure, err := h.codec.DecodeBasisDisclosure(data)
		if err != nil {
			return nil, err
		}
		if int(peerDisclosure.Count) != n {
			return nil, qerrors.ErrLengthMismatch
		}
		peerBases := qkd.UnpackBases(peerDisclosure.Bases, n)

		h.setPhase(PhaseSifting)
		sifted, err := qkd.Sift(received.Bases, peerBases, received.Bits)
		if err != nil {
			return nil, err
		}

		if sifted.Len() >= cfg.MinSiftedBits {
			return sifted, nil
		}

		s.logger.Warn("sifted key too short, awaiting fresh burst", metrics.Fields{
			"sifted":  sifted.Len(),
			"minimum": cfg.MinSiftedBits,
			"attempt": attempt + 1,
		})
	}

	return nil, qerrors.ErrInsufficientKeyMaterial
}

// responderAuth runs the authentication stage as responder.
func (h *Handshake) responderAuth(rw messageReader) error {
	s := h.session

	data, msgType, err := h.receiveAuth(rw)
	if err != nil {
		return err
	}
	if msgType != protocol.MessageTypeAuthHandshake {
		return qerrors.ErrInvalidMessage
	}
	msg, err := h.codec.DecodeAuthHandshake(data)
	if err != nil {
		return err
	}

	if err := h.verifyPeer(msg.Identity, msg.KEMPublicKey, msg.Signature); err != nil {
		return err
	}
	h.transcript.Write(data)

	peerKEM, err := crypto.ParseKEMPublicKey(msg.KEMPublicKey)
	if err != nil {
		return err
	}

	ciphertext, secret, err := crypto.KEMEncapsulate(peerKEM)
	if err != nil {
		return err
	}
	h.kemSecret = secret

	identityBytes, err := s.identity.PublicBytes()
	if err != nil {
		return err
	}
	signature, err := s.identity.Sign(crypto.TranscriptHash(h.transcript.Bytes(), ciphertext))
	if err != nil {
		return err
	}

	resp := &protocol.AuthResponse{
		Identity:      identityBytes,
		KEMCiphertext: ciphertext,
		Signature:     signature,
	}
	data, err = h.codec.EncodeAuthResponse(resp)
	if err != nil {
		return err
	}
	return h.send(rw, data)
}
