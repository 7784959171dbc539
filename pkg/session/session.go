// Package session implements QKD-Link session establishment and the
// encrypted transport that rides on it.
//
// A session runs the full key agreement over a single reliable byte
// stream: simulated BB84 quantum exchange, basis sifting, error-rate
// verification, post-quantum authentication, and hybrid key derivation.
// Once active, application payloads travel as AEAD-sealed frames with
// replay protection and automatic key rotation.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/channel"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
	"github.com/qshield-labs/qkdlink/pkg/keyring"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/protocol"
)

// nowFunc is replaceable in tests.
var nowFunc = time.Now

// Phase represents the current phase of the session state machine.
type Phase int32

const (
	// PhaseInit indicates a fresh session before the handshake
	PhaseInit Phase = iota

	// PhaseQuantumExchange indicates the simulated quantum transmission
	PhaseQuantumExchange

	// PhaseSifting indicates basis reconciliation is in progress
	PhaseSifting

	// PhaseQberCheck indicates the error-rate estimate is in progress
	PhaseQberCheck

	// PhaseAuthenticating indicates the post-quantum auth exchange
	PhaseAuthenticating

	// PhaseKeyDerivation indicates the hybrid key is being derived
	PhaseKeyDerivation

	// PhaseActive indicates the secure channel is ready for data
	PhaseActive

	// PhaseRotating indicates a key rotation is in progress
	PhaseRotating

	// PhaseAborted indicates the handshake failed and material was erased
	PhaseAborted

	// PhaseClosed indicates the session has been terminated
	PhaseClosed
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseQuantumExchange:
		return "QuantumExchange"
	case PhaseSifting:
		return "Sifting"
	case PhaseQberCheck:
		return "QberCheck"
	case PhaseAuthenticating:
		return "Authenticating"
	case PhaseKeyDerivation:
		return "KeyDerivation"
	case PhaseActive:
		return "Active"
	case PhaseRotating:
		return "Rotating"
	case PhaseAborted:
		return "Aborted"
	case PhaseClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Role indicates whether this endpoint is the initiator or responder.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Session represents one endpoint of a QKD-Link secure channel.
type Session struct {
	// Role of this endpoint
	Role Role

	// Protocol version negotiated
	Version protocol.Version

	// Selected cipher suite
	CipherSuite constants.CipherSuite

	// Current phase
	phase atomic.Int32

	// Session key generations
	keys *keyring.Manager

	// Secure channel; nil until the first key activates
	secure *channel.Channel

	// Local ML-DSA identity
	identity *crypto.Identity

	// Peer's ML-DSA verification key, learned during the handshake
	peerIdentity []byte

	// Result of the error-rate check
	qber       float64
	siftedBits int

	// Timestamps
	CreatedAt     time.Time
	EstablishedAt time.Time
	LastActivity  time.Time

	// Observability
	observer Observer
	logger   *metrics.Logger
	tracer   metrics.Tracer

	// Statistics
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	FramesSent    atomic.Uint64
	FramesRecv    atomic.Uint64

	config Config

	mu sync.RWMutex
}

// NewSession creates a new session with the given role and configuration.
func NewSession(role Role, config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	identity := config.Identity
	if identity == nil {
		var err error
		identity, err = crypto.GenerateIdentity()
		if err != nil {
			return nil, err
		}
	}

	s := &Session{
		Role:      role,
		identity:  identity,
		keys:      keyring.NewManager(rotationPolicy(config)),
		logger:    config.logger().Named(role.String()),
		tracer:    config.tracer(),
		config:    config,
		CreatedAt: nowFunc(),
	}
	s.phase.Store(int32(PhaseInit))

	return s, nil
}

func rotationPolicy(config Config) keyring.Policy {
	return keyring.Policy{
		Interval:  config.RotationInterval,
		ByteLimit: config.RotationByteLimit,
	}
}

// Phase returns the current session phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// setPhase atomically sets the session phase.
func (s *Session) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// SetObserver sets an observer for session lifecycle and metrics.
// Should be called during initialization before any data is sent.
func (s *Session) SetObserver(observer Observer) {
	s.observer = observer
}

// Identity returns the local ML-DSA verification key.
func (s *Session) Identity() ([]byte, error) {
	return s.identity.PublicBytes()
}

// PeerIdentity returns the peer's ML-DSA verification key, or nil before
// authentication completes.
func (s *Session) PeerIdentity() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerIdentity
}

// QBER returns the estimated error rate of the last completed check.
func (s *Session) QBER() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qber
}

// SiftedBits returns the usable sifted key length of the last handshake.
func (s *Session) SiftedBits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siftedBits
}

// ActiveGeneration returns the current key generation, or 0 before the
// first key activates.
func (s *Session) ActiveGeneration() uint32 {
	gen, err := s.keys.ActiveGeneration()
	if err != nil {
		return 0
	}
	return gen
}

// activateKey installs a new session key generation and, on first
// activation, constructs the secure channel.
func (s *Session) activateKey(material []byte) (uint32, error) {
	gen, err := s.keys.Activate(material)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secure == nil {
		onGap := func(generation uint32, missed uint64) {
			s.logger.Warn("frame gap detected", metrics.Fields{
				"generation": generation,
				"missed":     missed,
			})
		}
		s.secure, err = channel.New(s.keys, s.CipherSuite, onGap)
		if err != nil {
			return 0, err
		}
	}

	return gen, nil
}

// Seal encrypts a payload under the active key generation.
func (s *Session) Seal(plaintext []byte) (*channel.Frame, error) {
	if s.Phase() != PhaseActive && s.Phase() != PhaseRotating {
		return nil, qerrors.ErrInvalidState
	}

	s.mu.RLock()
	secure := s.secure
	s.mu.RUnlock()
	if secure == nil {
		return nil, qerrors.ErrNoActiveKey
	}

	observer := s.observer
	var done func(error)
	if observer != nil {
		_, done = observer.OnSeal(context.Background(), len(plaintext))
	}

	frame, err := secure.Seal(plaintext)
	if done != nil {
		done(err)
	}
	if err != nil {
		return nil, err
	}

	s.BytesSent.Add(uint64(len(plaintext)))
	s.FramesSent.Add(1)
	s.touch()

	return frame, nil
}

// Open decrypts a received frame.
func (s *Session) Open(frame *channel.Frame) ([]byte, error) {
	s.mu.RLock()
	secure := s.secure
	s.mu.RUnlock()
	if secure == nil {
		return nil, qerrors.ErrNoActiveKey
	}

	observer := s.observer
	var done func(error)
	if observer != nil {
		_, done = observer.OnOpen(context.Background(), len(frame.Ciphertext))
	}

	plaintext, err := secure.Open(frame)
	if done != nil {
		done(err)
	}
	if err != nil {
		if observer != nil {
			switch {
			case qerrors.Is(err, qerrors.ErrReplayDetected):
				observer.OnReplayDetected()
			case qerrors.Is(err, qerrors.ErrAuthenticationFailed):
				observer.OnAuthFailure()
			}
		}
		return nil, err
	}

	s.BytesReceived.Add(uint64(len(plaintext)))
	s.FramesRecv.Add(1)
	s.touch()

	return plaintext, nil
}

// NeedsRotation reports whether the rotation policy is due.
func (s *Session) NeedsRotation() bool {
	if s.Phase() != PhaseActive {
		return false
	}
	return s.keys.RotateDue()
}

// runRekey rotates the session key by re-running the full quantum
// exchange and key derivation on the live channel. Generations retired
// by the previous rotation have drained by now and are erased first;
// the current generation stays live for in-flight frames until the next
// rotation. The stash hook diverts data frames that arrive interleaved
// with the exchange.
func (s *Session) runRekey(rw messageReader, stash func(protocol.MessageType, []byte) bool) error {
	current, err := s.keys.ActiveGeneration()
	if err != nil {
		return err
	}
	for _, g := range s.keys.LiveGenerations() {
		if g < current {
			s.secure.DropGeneration(g)
		}
	}
	s.keys.EraseRetired()

	h := NewHandshake(s)
	h.rekey = true
	h.stash = stash
	defer h.cleanup()

	if s.Role == RoleInitiator {
		err = h.runInitiator(rw)
	} else {
		err = h.runResponder(rw)
	}
	if err != nil {
		return err
	}

	s.logger.Info("key rotated", metrics.Fields{"generation": s.ActiveGeneration()})
	return nil
}

// touch updates the last-activity timestamp.
func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = nowFunc()
	s.mu.Unlock()
}

// Abort erases all key material and marks the session aborted.
func (s *Session) Abort() {
	s.setPhase(PhaseAborted)
	s.keys.Close()
}

// Close securely closes the session and erases all key generations.
func (s *Session) Close() {
	if s.Phase() == PhaseClosed {
		return
	}
	s.setPhase(PhaseClosed)
	s.keys.Close()
	s.identity.Zeroize()
}

// Stats returns session statistics.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	FramesSent    uint64
	FramesRecv    uint64
	Generation    uint32
	QBER          float64
	SiftedBits    int
	Duration      time.Duration
	Phase         Phase
}

// Stats returns current session statistics.
func (s *Session) Stats() Stats {
	return Stats{
		BytesSent:     s.BytesSent.Load(),
		BytesReceived: s.BytesReceived.Load(),
		FramesSent:    s.FramesSent.Load(),
		FramesRecv:    s.FramesRecv.Load(),
		Generation:    s.ActiveGeneration(),
		QBER:          s.QBER(),
		SiftedBits:    s.SiftedBits(),
		Duration:      nowFunc().Sub(s.CreatedAt),
		Phase:         s.Phase(),
	}
}
