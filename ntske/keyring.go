package ntske

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	siv "github.com/secure-io/siv-go"
	"go.uber.org/zap"
)

const (
	// The low keyIDIndexBits bits of a key ID locate its ring slot;
	// the remaining bits are random so a recycled slot is detected.
	keyIDIndexBits = 2
	keyRingSize    = 1 << keyIDIndexBits

	// KeyRotationInterval is how often a new master key replaces the
	// oldest slot. After keyRingSize rotations a cookie can no longer
	// be opened.
	KeyRotationInterval = 3600 * time.Second
)

var errUnknownKey = errors.New("unknown server key")

type serverKey struct {
	id   uint32
	aead cipher.AEAD
}

// KeyRing is the rotating set of server master keys used to seal and
// open cookies. Rotation is the only writer; cookie seal/open on
// connection goroutines are readers.
type KeyRing struct {
	mu      sync.RWMutex
	keys    [keyRingSize]serverKey
	current int
	log     *zap.Logger
}

// NewKeyRing creates a key ring with one freshly generated key
// installed in the current slot.
func NewKeyRing(log *zap.Logger) (*KeyRing, error) {
	r := &KeyRing{log: log, current: keyRingSize - 1}
	if err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rotate advances the current slot and installs a new random key with
// a fresh ID there.
func (r *KeyRing) Rotate() error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}

	aead, err := siv.NewCMAC(key[:])
	if err != nil {
		return err
	}

	var idBytes [4]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return err
	}

	r.mu.Lock()
	r.current = (r.current + 1) % keyRingSize

	id := binary.BigEndian.Uint32(idBytes[:])
	id &^= keyRingSize - 1
	id |= uint32(r.current)

	r.keys[r.current] = serverKey{id: id, aead: aead}
	r.mu.Unlock()

	if r.log != nil {
		r.log.Debug("generated server key", zap.Uint32("id", id))
	}

	return nil
}

// RunRotation rotates the ring every KeyRotationInterval until the
// context is cancelled.
func (r *KeyRing) RunRotation(ctx context.Context) {
	t := time.NewTicker(KeyRotationInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Rotate(); err != nil && r.log != nil {
				r.log.Error("server key rotation failed", zap.Error(err))
			}
		}
	}
}

// currentKey returns the key cookies are sealed with.
func (r *KeyRing) currentKey() serverKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[r.current]
}

// lookup finds the key a cookie names. The slot index comes from the
// low bits of the ID; a full ID mismatch means the slot was recycled.
func (r *KeyRing) lookup(id uint32) (serverKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := r.keys[id%keyRingSize]
	if key.aead == nil || key.id != id {
		return serverKey{}, errUnknownKey
	}
	return key, nil
}
