// Package solana is a small client for the pieces of Solana the engine uses:
// JSON-RPC reads and submits, account-change subscriptions, ed25519 keys and
// transaction signing.
package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKey is a 32-byte account address.
type PublicKey [ed25519.PublicKeySize]byte

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsValidAddress reports whether s decodes to a 32-byte key.
func IsValidAddress(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}

// NewKeypair returns a fresh 64-byte ed25519 secret (seed || public key),
// the layout Solana wallets export.
func NewKeypair() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return priv, nil
}

// PublicKeyOf extracts the public half of a 64-byte secret.
func PublicKeyOf(secret []byte) (PublicKey, error) {
	var pk PublicKey
	if len(secret) != ed25519.PrivateKeySize {
		return pk, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	copy(pk[:], secret[32:])
	return pk, nil
}

// EncodeSignature renders a signature the way explorers and RPC expect.
func EncodeSignature(sig []byte) string {
	return base58.Encode(sig)
}
