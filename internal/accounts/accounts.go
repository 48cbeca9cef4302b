// Package accounts provisions user accounts lazily and applies preference
// changes.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/singleflight"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/vault"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

// Store is the account persistence used here.
type Store interface {
	CreateAccount(ctx context.Context, a db.Account) error
	GetAccount(ctx context.Context, handle string) (*db.Account, error)
	UpdateAccount(ctx context.Context, handle string, fn func(a *db.Account) error) (*db.Account, error)
}

// KeyStore seals a new signing key for a handle.
type KeyStore interface {
	Store(ctx context.Context, handle string, raw []byte) error
	PublicAddress(ctx context.Context, handle string) (string, error)
}

// Watcher is told about each account once it exists.
type Watcher interface {
	Subscribe(ctx context.Context, acct db.Account) error
}

type Service struct {
	store   Store
	keys    KeyStore
	watcher Watcher
	group   singleflight.Group
}

func NewService(store Store, keys KeyStore, watcher Watcher) *Service {
	return &Service{store: store, keys: keys, watcher: watcher}
}

const maxHandleLen = 64

// NormalizeHandle trims and validates a handle.
func NormalizeHandle(handle string) (string, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if h == "" {
		return "", agenterr.New(agenterr.CodeValidation, "handle is required")
	}
	if len(h) > maxHandleLen || strings.ContainsAny(h, " \t\r\n/") {
		return "", agenterr.Newf(agenterr.CodeValidation, "invalid handle %q", handle)
	}
	return h, nil
}

// Ensure returns handle's account, creating it with a fresh keypair on first
// use. Concurrent calls for the same handle share one provisioning.
func (s *Service) Ensure(ctx context.Context, handle string) (*db.Account, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	v, err, _ := s.group.Do(h, func() (any, error) {
		acct, err := s.store.GetAccount(ctx, h)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return s.provision(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return v.(*db.Account), nil
}

func (s *Service) provision(ctx context.Context, handle string) (*db.Account, error) {
	// A vault entry without an account row means an earlier provisioning
	// died halfway; keep that key rather than orphaning funds sent to it.
	address, err := s.keys.PublicAddress(ctx, handle)
	if err != nil && !errors.Is(err, vault.ErrNoSecret) {
		return nil, fmt.Errorf("look up vault entry for %s: %w", handle, err)
	}
	if err != nil {
		key, kerr := solana.NewKeypair()
		if kerr != nil {
			return nil, fmt.Errorf("generate keypair: %w", kerr)
		}
		pub, _ := solana.PublicKeyOf(key)
		switch err := s.keys.Store(ctx, handle, key); {
		case errors.Is(err, vault.ErrKeyExists):
			// Another process sealed a key first; adopt it.
			if address, err = s.keys.PublicAddress(ctx, handle); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			address = pub.String()
		}
	}

	acct := db.Account{Handle: handle, WalletRef: address, RiskProfile: db.RiskBalanced}
	if err := s.store.CreateAccount(ctx, acct); err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return nil, err
	}
	created, err := s.store.GetAccount(ctx, handle)
	if err != nil {
		return nil, err
	}
	log.Printf("🆕 [accounts] provisioned %s → %s", handle, created.WalletRef)

	if s.watcher != nil {
		if err := s.watcher.Subscribe(ctx, *created); err != nil {
			log.Printf("⚠️ [accounts] watch %s: %v", handle, err)
		}
	}
	return created, nil
}

// SetAutoTrade sets auto-trading on or off, or flips it when enabled is nil.
func (s *Service) SetAutoTrade(ctx context.Context, handle string, enabled *bool) (*db.Account, error) {
	if _, err := s.Ensure(ctx, handle); err != nil {
		return nil, err
	}
	h, _ := NormalizeHandle(handle)
	return s.store.UpdateAccount(ctx, h, func(a *db.Account) error {
		if enabled == nil {
			a.AutoTrade = !a.AutoTrade
		} else {
			a.AutoTrade = *enabled
		}
		return nil
	})
}

// SetRisk accepts low/med/high and the canonical profile names.
func (s *Service) SetRisk(ctx context.Context, handle, level string) (*db.Account, error) {
	profile, err := db.ParseRiskProfile(level)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeValidation, "set risk", err)
	}
	if _, err := s.Ensure(ctx, handle); err != nil {
		return nil, err
	}
	h, _ := NormalizeHandle(handle)
	return s.store.UpdateAccount(ctx, h, func(a *db.Account) error {
		a.RiskProfile = profile
		return nil
	})
}
