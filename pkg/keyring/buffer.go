// Package keyring owns session key material: an erase-on-release byte
// container, the per-generation session key, and the manager that enforces
// the key lifecycle (activation, rotation policy, mandatory erasure).
//
// Key bytes never leave the keyring: consumers access them only inside a
// scoped callback while a shared lock is held, so rotation can swap the
// active generation without racing an in-flight seal or open. Failure to
// erase a generation before it is dropped is a correctness defect, not a
// warning; Close erases every live generation.
package keyring

import (
	"sync"

	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
)

// KeyBuffer holds secret bytes with an explicit acquire-use-erase
// discipline. Once erased, the backing storage is overwritten with zeros and
// every subsequent use fails; the buffer never becomes usable again.
type KeyBuffer struct {
	mu     sync.Mutex
	data   []byte
	erased bool
}

// NewKeyBuffer copies the given material into a fresh buffer. The caller
// remains responsible for zeroizing its own copy.
func NewKeyBuffer(material []byte) *KeyBuffer {
	data := make([]byte, len(material))
	copy(data, material)
	return &KeyBuffer{data: data}
}

// Use invokes fn with the key bytes. The bytes must not be retained past the
// callback. Fails with ErrKeyErased after erasure.
func (b *KeyBuffer) Use(fn func(key []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.erased {
		return qerrors.ErrKeyErased
	}
	return fn(b.data)
}

// Erase overwrites the backing storage with zeros and marks the buffer
// unusable. Safe to call more than once.
func (b *KeyBuffer) Erase() {
	b.mu.Lock()
	defer b.mu.Unlock()

	crypto.Zeroize(b.data)
	b.erased = true
}

// Erased reports whether the buffer has been erased.
func (b *KeyBuffer) Erased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.erased
}
