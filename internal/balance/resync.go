package balance

import (
	"context"
	"log"
	"sync"
	"time"
)

// Resync periodically refreshes every account through the watcher path so
// missed notifications are healed and late tier accounts get subscribed.
type Resync struct {
	watcher  *Watcher
	store    Store
	interval time.Duration
	mu       sync.Mutex
}

// ResyncReport contains sweep results.
type ResyncReport struct {
	Timestamp time.Time
	Accounts  int
	Diffs     []BalanceDiff
}

// BalanceDiff is an account whose persisted balance was stale.
type BalanceDiff struct {
	Handle    string
	LocalSol  uint64
	ChainSol  uint64
	LocalTier uint64
	ChainTier uint64
}

func NewResync(watcher *Watcher, store Store, interval time.Duration) *Resync {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Resync{watcher: watcher, store: store, interval: interval}
}

// Start begins periodic resync
func (r *Resync) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := r.Sweep(ctx)
				if err != nil {
					log.Printf("❌ Resync error: %v", err)
					continue
				}
				r.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("✓ Balance resync started (interval: %v)", r.interval)
}

// Sweep refreshes every account once.
func (r *Resync) Sweep(ctx context.Context) (*ResyncReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	report := &ResyncReport{Timestamp: time.Now(), Accounts: len(accts)}
	for _, before := range accts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.watcher.Subscribe(ctx, before); err != nil {
			log.Printf("⚠️ Resync subscribe %s: %v", before.Handle, err)
		}
		r.watcher.Handle(ctx, before.Handle)

		after, err := r.store.GetAccount(ctx, before.Handle)
		if err != nil {
			continue
		}
		if after.SolLamports != before.SolLamports || after.TierBalance != before.TierBalance {
			report.Diffs = append(report.Diffs, BalanceDiff{
				Handle:    before.Handle,
				LocalSol:  before.SolLamports,
				ChainSol:  after.SolLamports,
				LocalTier: before.TierBalance,
				ChainTier: after.TierBalance,
			})
		}
	}
	return report, nil
}

func (r *Resync) handleReport(report *ResyncReport) {
	if len(report.Diffs) == 0 {
		log.Printf("✅ Resync OK - %d accounts match chain", report.Accounts)
		return
	}
	log.Printf("⚠️ Resync - %d of %d accounts were stale:", len(report.Diffs), report.Accounts)
	for _, d := range report.Diffs {
		log.Printf("  %s: sol %d→%d, tier %d→%d", d.Handle, d.LocalSol, d.ChainSol, d.LocalTier, d.ChainTier)
	}
}
