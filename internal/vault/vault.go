// Package vault holds per-handle custodial signing keys encrypted at rest.
// Plaintext keys exist only inside Store and WithSigner and are wiped before
// either returns.
package vault

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	agenterr "nexus-core/internal/errors"
	"nexus-core/pkg/crypto"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

var (
	ErrNoSecret  = errors.New("no vault entry for handle")
	ErrKeyExists = errors.New("vault entry already exists for handle")
)

// Store is the persistence the vault needs.
type Store interface {
	InsertSecret(ctx context.Context, rec db.SecretRecord) error
	PutSecret(ctx context.Context, rec db.SecretRecord) error
	GetSecret(ctx context.Context, handle string) (*db.SecretRecord, error)
	ListSecretHandles(ctx context.Context) ([]string, error)
}

// Cipher seals and opens secrets; *crypto.KeyManager implements it.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
	ReEncrypt(ciphertext string) (string, error)
	CurrentVersion() int
}

// Error is the vault's failure type. Authentication failures unwrap to
// crypto.ErrDecryptionFailed and classify as security failures.
type Error struct {
	Op     string
	Handle string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vault %s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorCode() agenterr.Code {
	if errors.Is(e.Err, ErrNoSecret) || errors.Is(e.Err, ErrKeyExists) {
		return agenterr.CodeValidation
	}
	return agenterr.CodeSecurity
}

type Vault struct {
	store  Store
	cipher Cipher
}

func New(store Store, cipher Cipher) *Vault {
	return &Vault{store: store, cipher: cipher}
}

// Store encrypts a 64-byte ed25519 secret for handle. raw is zeroed on every
// path. An existing entry is never replaced: a second Store for the same
// handle fails with ErrKeyExists.
func (v *Vault) Store(ctx context.Context, handle string, raw []byte) error {
	rec, err := v.seal(handle, raw)
	if err != nil {
		return err
	}
	if err := v.store.InsertSecret(ctx, rec); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			return &Error{Op: "store", Handle: handle, Err: ErrKeyExists}
		}
		return fmt.Errorf("persist secret for %s: %w", handle, err)
	}
	return nil
}

func (v *Vault) seal(handle string, raw []byte) (db.SecretRecord, error) {
	defer crypto.Wipe(raw)

	pub, err := solana.PublicKeyOf(raw)
	if err != nil {
		return db.SecretRecord{}, &Error{Op: "store", Handle: handle, Err: err}
	}
	sealed, err := v.cipher.Encrypt(raw)
	if err != nil {
		return db.SecretRecord{}, &Error{Op: "store", Handle: handle, Err: err}
	}
	return db.SecretRecord{
		Handle:     handle,
		PublicKey:  pub.String(),
		Ciphertext: sealed,
		KeyVersion: v.cipher.CurrentVersion(),
	}, nil
}

// Load returns the decrypted secret. The caller owns the bytes and must wipe
// them; prefer WithSigner, which does that itself.
func (v *Vault) Load(ctx context.Context, handle string) ([]byte, error) {
	rec, err := v.store.GetSecret(ctx, handle)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &Error{Op: "load", Handle: handle, Err: ErrNoSecret}
	}
	if err != nil {
		return nil, fmt.Errorf("read secret for %s: %w", handle, err)
	}

	if !crypto.IsEncrypted(rec.Ciphertext) {
		return v.migrateLegacy(ctx, rec)
	}
	plain, err := v.cipher.Decrypt(rec.Ciphertext)
	if err != nil {
		return nil, &Error{Op: "load", Handle: handle, Err: err}
	}
	return plain, nil
}

// WithSigner decrypts handle's key, passes it to fn and wipes it afterwards,
// whether fn succeeds, fails or panics.
func (v *Vault) WithSigner(ctx context.Context, handle string, fn func(key ed25519.PrivateKey) error) error {
	raw, err := v.Load(ctx, handle)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)
	if len(raw) != ed25519.PrivateKeySize {
		return &Error{Op: "sign", Handle: handle, Err: fmt.Errorf("secret has %d bytes", len(raw))}
	}
	return fn(ed25519.PrivateKey(raw))
}

// PublicAddress returns handle's wallet address without decrypting anything.
func (v *Vault) PublicAddress(ctx context.Context, handle string) (string, error) {
	rec, err := v.store.GetSecret(ctx, handle)
	if errors.Is(err, db.ErrNotFound) {
		return "", &Error{Op: "address", Handle: handle, Err: ErrNoSecret}
	}
	if err != nil {
		return "", fmt.Errorf("read secret for %s: %w", handle, err)
	}
	return rec.PublicKey, nil
}

// migrateLegacy handles rows holding a plaintext JSON byte array. The key is
// re-sealed in place and a copy returned to the caller.
func (v *Vault) migrateLegacy(ctx context.Context, rec *db.SecretRecord) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal([]byte(strings.TrimSpace(rec.Ciphertext)), &ints); err != nil {
		return nil, &Error{Op: "load", Handle: rec.Handle, Err: crypto.ErrInvalidCiphertext}
	}
	raw := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 255 {
			crypto.Wipe(raw)
			return nil, &Error{Op: "load", Handle: rec.Handle, Err: crypto.ErrInvalidCiphertext}
		}
		raw[i] = byte(n)
		ints[i] = 0
	}

	out := make([]byte, len(raw))
	copy(out, raw)
	sealed, err := v.seal(rec.Handle, raw)
	if err != nil {
		crypto.Wipe(out)
		return nil, err
	}
	if err := v.store.PutSecret(ctx, sealed); err != nil {
		crypto.Wipe(out)
		return nil, fmt.Errorf("persist secret for %s: %w", rec.Handle, err)
	}
	log.Printf("🔐 [vault] migrated legacy plaintext secret for %s", rec.Handle)
	return out, nil
}

// RotateAll re-encrypts every secret under the current key version and
// returns how many rows changed.
func (v *Vault) RotateAll(ctx context.Context) (int, error) {
	handles, err := v.store.ListSecretHandles(ctx)
	if err != nil {
		return 0, err
	}
	current := v.cipher.CurrentVersion()
	rotated := 0
	for _, h := range handles {
		rec, err := v.store.GetSecret(ctx, h)
		if err != nil {
			return rotated, err
		}
		if !crypto.IsEncrypted(rec.Ciphertext) {
			raw, err := v.migrateLegacy(ctx, rec)
			if err != nil {
				return rotated, err
			}
			crypto.Wipe(raw)
			rotated++
			continue
		}
		if crypto.ParseVersion(rec.Ciphertext) == current {
			continue
		}
		sealed, err := v.cipher.ReEncrypt(rec.Ciphertext)
		if err != nil {
			return rotated, &Error{Op: "rotate", Handle: h, Err: err}
		}
		rec.Ciphertext = sealed
		rec.KeyVersion = current
		if err := v.store.PutSecret(ctx, *rec); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}
