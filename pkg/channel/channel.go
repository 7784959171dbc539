// channel.go implements sealing and opening of authenticated frames.
//
// Frame layout and binding:
//
//	nonce = BE32(generation) || BE64(sequence)     (12 bytes, unique per key)
//	aad   = nonce                                   (binds session context)
//	frame = {generation, sequence, nonce, AEAD ciphertext incl. 16-byte tag}
//
// Sequence numbers are monotonic per key generation, so nonces are never
// reused under one key. The tag is verified before any plaintext is
// released; a repeated sequence is replay and fails closed; a sequence gap
// indicates lost frames and is reported through the gap handler, not fatal.
package channel

import (
	"encoding/binary"
	"sync"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
	"github.com/qshield-labs/qkdlink/pkg/keyring"
)

// Frame is one sealed application payload.
type Frame struct {
	Generation uint32
	Sequence   uint64
	Nonce      [constants.AEADNonceSize]byte
	Ciphertext []byte // includes the authentication tag
}

// GapHandler is invoked when opening reveals missing frames: missed is the
// count of sequence numbers skipped under the given generation.
type GapHandler func(generation uint32, missed uint64)

// Channel seals and opens frames using keys owned by a keyring.Manager.
// Key bytes are only touched inside the manager's scoped access, so rotation
// can swap generations without racing an in-flight seal or open.
type Channel struct {
	keys  *keyring.Manager
	suite constants.CipherSuite
	onGap GapHandler

	mu      sync.Mutex
	sendGen uint32
	sendSeq uint64

	recvMu    sync.Mutex
	windows   map[uint32]*replayWindow
	delivered map[uint32]uint64 // highest sequence opened per generation
}

// New creates a channel over the given key manager and cipher suite.
// onGap may be nil.
func New(keys *keyring.Manager, suite constants.CipherSuite, onGap GapHandler) (*Channel, error) {
	if !suite.IsSupported() {
		return nil, qerrors.ErrUnsupportedCipherSuite
	}
	return &Channel{
		keys:      keys,
		suite:     suite,
		onGap:     onGap,
		windows:   make(map[uint32]*replayWindow),
		delivered: make(map[uint32]uint64),
	}, nil
}

// MakeNonce constructs the unique per-key nonce for a (generation,
// sequence) pair.
func MakeNonce(generation uint32, sequence uint64) [constants.AEADNonceSize]byte {
	var nonce [constants.AEADNonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], generation)
	binary.BigEndian.PutUint64(nonce[4:12], sequence)
	return nonce
}

// Seal encrypts and authenticates plaintext under the active key generation.
func (c *Channel) Seal(plaintext []byte) (*Frame, error) {
	if len(plaintext) > constants.MaxPayloadSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	gen, err := c.keys.ActiveGeneration()
	if err != nil {
		return nil, err
	}

	seq, err := c.nextSequence(gen)
	if err != nil {
		return nil, err
	}

	nonce := MakeNonce(gen, seq)

	var ciphertext []byte
	err = c.keys.WithKey(gen, func(key []byte) error {
		aead, err := crypto.NewAEAD(c.suite, key)
		if err != nil {
			return err
		}
		ciphertext, err = aead.Seal(nonce[:], plaintext, nonce[:])
		return err
	})
	if err != nil {
		return nil, err
	}

	c.keys.NoteSealed(len(plaintext))

	return &Frame{
		Generation: gen,
		Sequence:   seq,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Open verifies and decrypts a frame.
//
// On tag mismatch the result is ErrAuthenticationFailed and no plaintext is
// ever returned. A repeated sequence number fails with ErrReplayDetected.
// Frames for an erased generation fail with ErrKeyErased.
func (c *Channel) Open(frame *Frame) ([]byte, error) {
	if frame == nil || len(frame.Ciphertext) < constants.AEADTagSize {
		return nil, qerrors.ErrCiphertextTooShort
	}

	// The nonce is carried on the wire but fully determined by the frame
	// header; any divergence is tampering.
	expected := MakeNonce(frame.Generation, frame.Sequence)
	if frame.Nonce != expected {
		return nil, qerrors.ErrInvalidNonce
	}

	// Probe the replay window read-only; the sequence number is claimed
	// only after the tag verifies, so a forged header cannot block the
	// legitimate frame that carries the same sequence.
	win := c.window(frame.Generation)
	if !win.probe(frame.Sequence) {
		return nil, qerrors.ErrReplayDetected
	}

	var plaintext []byte
	err := c.keys.WithKey(frame.Generation, func(key []byte) error {
		aead, err := crypto.NewAEAD(c.suite, key)
		if err != nil {
			return err
		}
		plaintext, err = aead.Open(frame.Nonce[:], frame.Ciphertext, frame.Nonce[:])
		return err
	})
	if err != nil {
		return nil, err
	}

	if !win.commit(frame.Sequence) {
		return nil, qerrors.ErrReplayDetected
	}

	c.reportGap(frame.Generation, frame.Sequence)

	return plaintext, nil
}

// nextSequence reserves the next monotonic sequence number for a generation.
// The counter resets when the active generation changes; the nonce stays
// unique because the generation is part of it.
func (c *Channel) nextSequence(gen uint32) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendGen != gen {
		c.sendGen = gen
		c.sendSeq = 0
	}
	if c.sendSeq >= constants.MaxSequencePerGeneration {
		return 0, qerrors.ErrNonceExhausted
	}
	seq := c.sendSeq
	c.sendSeq++
	return seq, nil
}

// window returns the replay window for a generation, creating it on first use.
func (c *Channel) window(gen uint32) *replayWindow {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	w, ok := c.windows[gen]
	if !ok {
		w = &replayWindow{}
		c.windows[gen] = w
	}
	return w
}

// reportGap tracks the highest delivered sequence per generation and
// notifies the gap handler when a jump reveals lost frames.
func (c *Channel) reportGap(gen uint32, seq uint64) {
	c.recvMu.Lock()
	prev, seen := c.delivered[gen]
	if !seen || seq > prev {
		c.delivered[gen] = seq
	}
	c.recvMu.Unlock()

	if c.onGap == nil {
		return
	}
	if !seen {
		if seq > 0 {
			c.onGap(gen, seq)
		}
		return
	}
	if seq > prev+1 {
		c.onGap(gen, seq-prev-1)
	}
}

// DropGeneration discards receive state for an erased generation.
func (c *Channel) DropGeneration(gen uint32) {
	c.recvMu.Lock()
	delete(c.windows, gen)
	delete(c.delivered, gen)
	c.recvMu.Unlock()
}

// Suite returns the negotiated cipher suite.
func (c *Channel) Suite() constants.CipherSuite {
	return c.suite
}
