package jwtx

import (
	"errors"
	"sync"
)

var ErrNoKey = errors.New("jwtx: key not found")

// KeySet holds verification material in memory, keyed by kid. It's
// thread-safe; verifiers read from it while the key manager adds newly
// rotated keys and drops swept ones.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]any // kid: *ecdsa.PublicKey | []byte (HS256 secret)
}

// NewKeySet returns an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{
		keys: make(map[string]any),
	}
}

// AddSigner registers a Signer's verification material into the KeySet.
func (k *KeySet) AddSigner(s Signer) {
	k.Add(s.KID(), s.VerificationKey())
}

// Add registers verification material under the given kid.
// Re-adding an existing kid replaces the material.
func (k *KeySet) Add(kid string, key any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = key
}

// Get returns the verification material for the given kid.
func (k *KeySet) Get(kid string) (any, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrNoKey
}

// Remove drops the material for a kid. Used when a retained key is swept.
func (k *KeySet) Remove(kid string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, kid)
}
