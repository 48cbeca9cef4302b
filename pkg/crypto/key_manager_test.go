package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestKeyManagerRotation(t *testing.T) {
	old, err := NewKeyManager(map[int][]byte{1: testKey(1)}, 1)
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	ciphertext, err := old.Encrypt([]byte("rotating-secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	km, err := NewKeyManager(map[int][]byte{1: testKey(1), 2: testKey(2)}, 2)
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	if got := km.Versions(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Versions = %v", got)
	}

	rotated, err := km.ReEncrypt(ciphertext)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if !strings.HasPrefix(rotated, "ENC[v2]:") {
		t.Fatalf("expected v2 ciphertext, got %s", rotated)
	}
	plain, err := km.Decrypt(rotated)
	if err != nil || !bytes.Equal(plain, []byte("rotating-secret")) {
		t.Fatalf("Decrypt rotated = %q, %v", plain, err)
	}
	// Old ciphertexts keep decrypting while v1 is loaded.
	if _, err := km.Decrypt(ciphertext); err != nil {
		t.Fatalf("Decrypt v1: %v", err)
	}
}

func TestKeyManagerMissingVersion(t *testing.T) {
	if _, err := NewKeyManager(map[int][]byte{1: testKey(1)}, 2); !errors.Is(err, ErrVersionMissing) {
		t.Fatalf("expected ErrVersionMissing, got %v", err)
	}

	km, _ := NewKeyManager(map[int][]byte{1: testKey(1)}, 1)
	if _, err := km.Decrypt("ENC[v3]:AAAA"); !errors.Is(err, ErrVersionMissing) {
		t.Fatalf("expected ErrVersionMissing for unknown version, got %v", err)
	}
}

func TestKeyManagerRejectsShortKey(t *testing.T) {
	if _, err := NewKeyManager(map[int][]byte{1: make([]byte, 31)}, 1); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k2, _ := GenerateKey()
	if k1 == k2 {
		t.Fatalf("expected distinct keys")
	}
	if len(k1) != 44 {
		t.Fatalf("expected 44 base64 chars, got %d", len(k1))
	}
}
