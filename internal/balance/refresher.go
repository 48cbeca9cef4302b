// Package balance keeps persisted account balances in step with the chain:
// explicit refreshes after trades, push-triggered refreshes from the watcher,
// and a periodic resync sweep.
package balance

import (
	"context"
	"fmt"
	"log"

	"nexus-core/internal/events"
	"nexus-core/internal/retry"
	"nexus-core/pkg/db"
)

// Chain reads authoritative balances.
type Chain interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint string) (uint64, error)
}

// Store is the account persistence the refresher mutates.
type Store interface {
	GetAccount(ctx context.Context, handle string) (*db.Account, error)
	UpdateAccount(ctx context.Context, handle string, fn func(a *db.Account) error) (*db.Account, error)
	ListAccounts(ctx context.Context) ([]db.Account, error)
}

// Refresher re-reads a handle's native and tier balances and persists them.
type Refresher struct {
	chain    Chain
	store    Store
	tierMint string
	policy   retry.Policy
	bus      *events.Bus
}

func NewRefresher(chain Chain, store Store, tierMint string, policy retry.Policy, bus *events.Bus) *Refresher {
	return &Refresher{chain: chain, store: store, tierMint: tierMint, policy: policy, bus: bus}
}

// Refresh fetches balances for handle and writes them through a
// read-modify-write of the current record, so concurrent preference changes
// are not clobbered.
func (r *Refresher) Refresh(ctx context.Context, handle string) (*db.Account, error) {
	acct, err := r.store.GetAccount(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", handle, err)
	}

	sol, err := retry.Do(ctx, r.policy.Named("getBalance "+handle), func(ctx context.Context) (uint64, error) {
		return r.chain.GetBalance(ctx, acct.WalletRef)
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s native balance: %w", handle, err)
	}

	var tier uint64
	if r.tierMint != "" {
		tier, err = retry.Do(ctx, r.policy.Named("tokenBalance "+handle), func(ctx context.Context) (uint64, error) {
			return r.chain.TokenBalance(ctx, acct.WalletRef, r.tierMint)
		})
		if err != nil {
			return nil, fmt.Errorf("refresh %s tier balance: %w", handle, err)
		}
	}

	updated, err := r.store.UpdateAccount(ctx, handle, func(a *db.Account) error {
		a.SolLamports = sol
		a.TierBalance = tier
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s balances: %w", handle, err)
	}

	if updated.SolLamports != acct.SolLamports || updated.TierBalance != acct.TierBalance {
		log.Printf("💰 [balance] %s sol=%d→%d tier=%d→%d", handle,
			acct.SolLamports, updated.SolLamports, acct.TierBalance, updated.TierBalance)
	}
	r.bus.Publish(events.EventBalanceUpdated, events.BalanceUpdate{
		Handle:      handle,
		SolLamports: updated.SolLamports,
		TierBalance: updated.TierBalance,
	})
	return updated, nil
}
