// manager.go implements the session key manager: generation bookkeeping,
// the rotation policy, and erasure of superseded keys.
package keyring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// SessionKey is one 256-bit hybrid session key tagged with a monotonically
// increasing generation counter and its creation timestamp. At most one
// generation is active at a time.
type SessionKey struct {
	Generation uint32
	CreatedAt  time.Time

	buf *KeyBuffer
}

// Erased reports whether this generation's material has been erased.
func (k *SessionKey) Erased() bool {
	return k.buf.Erased()
}

// Policy is the rotation policy for session keys: a generation rotates when
// its age exceeds Interval or the bytes sealed under it exceed ByteLimit,
// whichever comes first.
type Policy struct {
	Interval  time.Duration
	ByteLimit uint64
}

// DefaultPolicy returns the default rotation policy.
func DefaultPolicy() Policy {
	return Policy{
		Interval:  constants.DefaultRotationInterval,
		ByteLimit: constants.DefaultRotationByteLimit,
	}
}

// Due reports whether a rotation is due for a generation of the given age
// under which the given volume has been sealed.
func (p Policy) Due(elapsed time.Duration, bytesSealed uint64) bool {
	if p.Interval > 0 && elapsed > p.Interval {
		return true
	}
	if p.ByteLimit > 0 && bytesSealed > p.ByteLimit {
		return true
	}
	return false
}

// Manager owns every live session key generation for one session.
//
// Readers (seal/open) hold the shared lock only while using a key through
// WithKey; Activate and Erase take the exclusive lock briefly to swap the
// active generation pointer or wipe a retired one. Erasure of a superseded
// generation happens after all shared holders have released.
type Manager struct {
	mu     sync.RWMutex
	keys   map[uint32]*SessionKey
	active uint32 // 0 means none yet; generations start at 1

	activatedAt time.Time
	bytesSealed atomic.Uint64

	policy Policy
	now    func() time.Time
}

// NewManager creates a manager with the given rotation policy.
func NewManager(policy Policy) *Manager {
	return &Manager{
		keys:   make(map[uint32]*SessionKey),
		policy: policy,
		now:    time.Now,
	}
}

// Activate installs new key material as the next generation and retires the
// previous one. The retired generation is kept, not yet erased, so frames
// already in flight under it can still be opened; the caller erases it once
// drained. The material is copied; the caller zeroizes its own copy.
func (m *Manager) Activate(material []byte) (uint32, error) {
	if len(material) != constants.SessionKeySize {
		return 0, qerrors.ErrInvalidKeySize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.active + 1
	m.keys[gen] = &SessionKey{
		Generation: gen,
		CreatedAt:  m.now(),
		buf:        NewKeyBuffer(material),
	}
	m.active = gen
	m.activatedAt = m.now()
	m.bytesSealed.Store(0)

	return gen, nil
}

// ActiveGeneration returns the current active generation.
func (m *Manager) ActiveGeneration() (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == 0 {
		return 0, qerrors.ErrNoActiveKey
	}
	return m.active, nil
}

// WithKey invokes fn with the key bytes of the given generation under the
// shared lock. The bytes must not be retained past the callback.
func (m *Manager) WithKey(generation uint32, fn func(key []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[generation]
	if !ok {
		if generation <= m.active {
			return qerrors.ErrKeyErased
		}
		return qerrors.ErrUnknownGeneration
	}
	return key.buf.Use(fn)
}

// Key returns the session key record for a generation, if it exists.
func (m *Manager) Key(generation uint32) (*SessionKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[generation]
	return k, ok
}

// NoteSealed records bytes sealed under the active generation, feeding the
// volume arm of the rotation policy.
func (m *Manager) NoteSealed(n int) {
	if n > 0 {
		m.bytesSealed.Add(uint64(n))
	}
}

// RotateDue reports whether the active generation has exceeded its time or
// volume limit and must be rotated to preserve forward secrecy.
func (m *Manager) RotateDue() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == 0 {
		return false
	}
	return m.policy.Due(m.now().Sub(m.activatedAt), m.bytesSealed.Load())
}

// Erase zeroizes the given generation and removes it from the ring. The
// generation stays known as erased: later WithKey calls for it fail with
// ErrKeyErased rather than ErrUnknownGeneration.
func (m *Manager) Erase(generation uint32) error {
	m.mu.Lock()
	key, ok := m.keys[generation]
	if ok {
		delete(m.keys, generation)
	}
	m.mu.Unlock()

	if !ok {
		return qerrors.ErrUnknownGeneration
	}
	key.buf.Erase()
	return nil
}

// EraseRetired erases every generation older than the active one. Called
// once a rotation has drained: a frame under the new generation has been
// opened, so nothing in flight still needs the old keys.
func (m *Manager) EraseRetired() {
	m.mu.Lock()
	var retired []*SessionKey
	for gen, key := range m.keys {
		if gen != m.active {
			retired = append(retired, key)
			delete(m.keys, gen)
		}
	}
	m.mu.Unlock()

	for _, key := range retired {
		key.buf.Erase()
	}
}

// LiveGenerations returns the generations currently holding key material.
func (m *Manager) LiveGenerations() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gens := make([]uint32, 0, len(m.keys))
	for gen := range m.keys {
		gens = append(gens, gen)
	}
	return gens
}

// Close erases all live generations. Mandatory on teardown and on every
// abort path; the manager is unusable afterwards except for Close itself.
func (m *Manager) Close() {
	m.mu.Lock()
	keys := make([]*SessionKey, 0, len(m.keys))
	for gen, key := range m.keys {
		keys = append(keys, key)
		delete(m.keys, gen)
	}
	m.mu.Unlock()

	for _, key := range keys {
		key.buf.Erase()
	}
}
