// Package portfolio values a handle's holdings in USD for reporting.
// Nothing here feeds trade execution or the firewall.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

type Holdings interface {
	AllTokenAccounts(ctx context.Context, owner string) ([]solana.TokenAccount, error)
}

// Refresher returns an account with balances re-read from chain.
type Refresher interface {
	Refresh(ctx context.Context, handle string) (*db.Account, error)
}

// SnapshotWriter buffers one snapshot row.
type SnapshotWriter interface {
	Write(query string, args ...any)
}

type History interface {
	ListSnapshots(ctx context.Context, handle string, limit int) ([]db.Snapshot, error)
}

// Holding is one valued position.
type Holding struct {
	Mint     string          `json:"mint"`
	Amount   decimal.Decimal `json:"amount"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	ValueUSD decimal.Decimal `json:"value_usd"`
	Source   string          `json:"source,omitempty"`
}

type Portfolio struct {
	Handle   string          `json:"handle"`
	Wallet   string          `json:"wallet"`
	SOL      Holding         `json:"sol"`
	Tokens   []Holding       `json:"tokens"`
	TotalUSD decimal.Decimal `json:"total_usd"`
	TakenAt  time.Time       `json:"taken_at"`
}

type Valuator struct {
	refresher Refresher
	holdings  Holdings
	sources   []PriceSource
	cache     *PriceCache
	writer    SnapshotWriter
	history   History
	now       func() time.Time
}

// NewValuator consults sources in order; the first one to price a mint wins.
func NewValuator(refresher Refresher, holdings Holdings, cache *PriceCache, writer SnapshotWriter, history History, sources ...PriceSource) *Valuator {
	return &Valuator{
		refresher: refresher,
		holdings:  holdings,
		sources:   sources,
		cache:     cache,
		writer:    writer,
		history:   history,
		now:       time.Now,
	}
}

// Value refreshes handle's balances, prices every position and appends a
// snapshot. Unpriced assets count as zero.
func (v *Valuator) Value(ctx context.Context, handle string) (*Portfolio, error) {
	acct, err := v.refresher.Refresh(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("portfolio %s: %w", handle, err)
	}
	accts, err := v.holdings.AllTokenAccounts(ctx, acct.WalletRef)
	if err != nil {
		return nil, fmt.Errorf("portfolio %s holdings: %w", handle, err)
	}

	amounts := map[string]decimal.Decimal{}
	for _, ta := range accts {
		if ta.Amount == 0 {
			continue
		}
		amt := solana.FromBaseUnits(ta.Amount, ta.Decimals)
		amounts[ta.Mint] = amounts[ta.Mint].Add(amt)
	}
	mints := make([]string, 0, len(amounts)+1)
	mints = append(mints, config.NativeMint)
	for m := range amounts {
		mints = append(mints, m)
	}
	sort.Strings(mints[1:])

	prices := v.prices(ctx, mints)

	p := &Portfolio{Handle: acct.Handle, Wallet: acct.WalletRef, TakenAt: v.now()}
	p.SOL = value(config.NativeMint, solana.LamportsToSOL(acct.SolLamports), prices[config.NativeMint])
	p.TotalUSD = p.SOL.ValueUSD
	for _, m := range mints[1:] {
		h := value(m, amounts[m], prices[m])
		p.Tokens = append(p.Tokens, h)
		p.TotalUSD = p.TotalUSD.Add(h.ValueUSD)
	}

	v.snapshot(p)
	return p, nil
}

type priced struct {
	price  decimal.Decimal
	source string
}

// prices fills from the cache, then asks each source for what is still
// missing. Source errors are logged and skipped.
func (v *Valuator) prices(ctx context.Context, mints []string) map[string]priced {
	out := make(map[string]priced, len(mints))
	var missing []string
	for _, m := range mints {
		if p, src, ok := v.cache.Get(m); ok {
			out[m] = priced{p, src}
			continue
		}
		missing = append(missing, m)
	}
	for _, src := range v.sources {
		if len(missing) == 0 {
			break
		}
		got, err := src.Prices(ctx, missing)
		if err != nil {
			log.Printf("⚠️ [portfolio] %s: %v", src.Name(), err)
			continue
		}
		var still []string
		for _, m := range missing {
			if p, ok := got[m]; ok {
				out[m] = priced{p, src.Name()}
				v.cache.Set(m, p, src.Name())
				continue
			}
			still = append(still, m)
		}
		missing = still
	}
	return out
}

func value(mint string, amount decimal.Decimal, p priced) Holding {
	return Holding{
		Mint:     mint,
		Amount:   amount,
		PriceUSD: p.price,
		ValueUSD: amount.Mul(p.price).Round(2),
		Source:   p.source,
	}
}

func (v *Valuator) snapshot(p *Portfolio) {
	if v.writer == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("⚠️ [portfolio] encode snapshot %s: %v", p.Handle, err)
		return
	}
	snap := db.Snapshot{Handle: p.Handle, TakenAt: p.TakenAt, TotalUSD: p.TotalUSD.StringFixed(2), Data: string(data)}
	v.writer.Write(db.InsertSnapshotSQL, db.SnapshotArgs(snap)...)
}

// History returns up to limit snapshots, newest first.
func (v *Valuator) History(ctx context.Context, handle string, limit int) ([]db.Snapshot, error) {
	return v.history.ListSnapshots(ctx, handle, limit)
}
