package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrKeyNotLoaded   = errors.New("key manager not initialized")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyManager manages encryption keys for multiple versions.
// Supports key rotation by maintaining multiple key versions.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager builds encryptors for every supplied key. current selects the
// version used for new ciphertexts and must be present.
func NewKeyManager(keys map[int][]byte, current int) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}

	for version, key := range keys {
		enc, err := NewEncryptor(key, version)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", version, err)
		}
		km.encryptors[version] = enc
	}
	if _, ok := km.encryptors[current]; !ok {
		return nil, fmt.Errorf("%w: v%d", ErrVersionMissing, current)
	}
	km.currentVer = current
	return km, nil
}

// Encrypt encrypts plaintext using the current key version.
func (km *KeyManager) Encrypt(plaintext []byte) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext, automatically selecting the correct key version.
func (km *KeyManager) Decrypt(ciphertext string) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return nil, ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrVersionMissing, version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt re-encrypts a ciphertext with the current key version.
// The intermediate plaintext is wiped before returning.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	defer Wipe(plaintext)
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the version used for new ciphertexts.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// HasVersion checks if a specific key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.encryptors[version]
	return ok
}

// Versions lists loaded key versions in ascending order.
func (km *KeyManager) Versions() []int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	out := make([]int, 0, len(km.encryptors))
	for v := range km.encryptors {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// GenerateKey generates a new random 32-byte key suitable for AES-256.
// Returns the key as a base64-encoded string for easy storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	defer Wipe(key)
	if _, err := cryptoRandRead(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// cryptoRandRead is a variable for testing purposes
var cryptoRandRead = func(b []byte) (int, error) {
	return rand.Reader.Read(b)
}
