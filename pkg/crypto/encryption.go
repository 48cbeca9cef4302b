// Package crypto provides the authenticated envelope used for custodial secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12
	// TagSize is the size of the GCM authentication tag (16 bytes)
	TagSize = 16
	// VersionPrefix is the prefix for encrypted data
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor handles AES-256-GCM sealing for one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates a new Encryptor with the given key.
// Key must be 32 bytes for AES-256.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: gcm, version: version}, nil
}

// Encrypt seals plaintext and returns ENC[vN]:base64(IV || TAG || CIPHERTEXT).
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// GCM appends the tag after the ciphertext; the stored layout puts it first.
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, NonceSize+TagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	Wipe(sealed)

	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a value produced by Encrypt. Any authentication failure
// returns ErrDecryptionFailed, never partial plaintext.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	if !IsEncrypted(ciphertext) {
		return nil, ErrInvalidCiphertext
	}
	colonIdx := strings.Index(ciphertext, "]:")
	if colonIdx == -1 {
		return nil, ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[colonIdx+2:])
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	nonce := data[:NonceSize]
	tag := data[NonceSize : NonceSize+TagSize]
	ct := data[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GetVersion returns the key version used by this encryptor.
func (e *Encryptor) GetVersion() int {
	return e.version
}

// IsEncrypted reports whether s carries the envelope prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, "ENC[v")
}

// ParseVersion extracts the version number from an encrypted string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	if !IsEncrypted(ciphertext) {
		return 0
	}
	var version int
	_, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version)
	if err != nil {
		return 0
	}
	return version
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
