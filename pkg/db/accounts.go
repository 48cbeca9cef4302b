package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const accountColumns = `handle, wallet_ref, sol_lamports, tier_balance, auto_trade, risk_profile, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                Account
		sol, tier        int64
		auto             int
		risk             string
		created, updated int64
	)
	if err := row.Scan(&a.Handle, &a.WalletRef, &sol, &tier, &auto, &risk, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.SolLamports = uint64(sol)
	a.TierBalance = uint64(tier)
	a.AutoTrade = auto == 1
	a.RiskProfile = RiskProfile(risk)
	a.CreatedAt = FromMillis(created)
	a.UpdatedAt = FromMillis(updated)
	return &a, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateAccount inserts a new account and fails with ErrAlreadyExists on a duplicate handle.
func (d *Database) CreateAccount(ctx context.Context, a Account) error {
	if a.Handle == "" {
		return ErrHandleRequired
	}
	now := time.Now()
	if a.RiskProfile == "" {
		a.RiskProfile = RiskBalanced
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Handle, a.WalletRef, int64(a.SolLamports), int64(a.TierBalance), boolInt(a.AutoTrade), string(a.RiskProfile), Millis(now), Millis(now))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount loads one account by handle.
func (d *Database) GetAccount(ctx context.Context, handle string) (*Account, error) {
	return getAccount(ctx, d.DB, handle)
}

func getAccount(ctx context.Context, q execQuerier, handle string) (*Account, error) {
	if handle == "" {
		return nil, ErrHandleRequired
	}
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE handle = ?`, handle))
}

// PutAccount replaces the whole record (last writer wins).
func (d *Database) PutAccount(ctx context.Context, a Account) error {
	return putAccount(ctx, d.DB, a)
}

func putAccount(ctx context.Context, q execQuerier, a Account) error {
	if a.Handle == "" {
		return ErrHandleRequired
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.RiskProfile == "" {
		a.RiskProfile = RiskBalanced
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			wallet_ref = excluded.wallet_ref,
			sol_lamports = excluded.sol_lamports,
			tier_balance = excluded.tier_balance,
			auto_trade = excluded.auto_trade,
			risk_profile = excluded.risk_profile,
			updated_at = excluded.updated_at
	`, a.Handle, a.WalletRef, int64(a.SolLamports), int64(a.TierBalance), boolInt(a.AutoTrade), string(a.RiskProfile), Millis(a.CreatedAt), Millis(now))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// UpdateAccount re-reads the account, applies fn and writes the whole record
// back in one transaction, so concurrent updates to other fields are not lost.
func (d *Database) UpdateAccount(ctx context.Context, handle string, fn func(a *Account) error) (*Account, error) {
	var out *Account
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := getAccount(ctx, tx, handle)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.Handle = handle
		if err := putAccount(ctx, tx, *a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListHandles enumerates every known handle.
func (d *Database) ListHandles(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT handle FROM accounts ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("query handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// ListAccounts returns every account, ordered by handle.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
