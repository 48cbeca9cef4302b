package balance

import (
	"context"
	"log"

	"nexus-core/internal/jobs"
	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

// Enqueuer is the queue entry point the auto-trade rule uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, handle string, p jobs.Payload, opts ...jobs.EnqueueOption) (string, bool, error)
}

// AutoTrader turns a large native balance into a queued sell. It never
// trades inline; the job goes through the queue like any other.
type AutoTrader struct {
	queue Enqueuer
	cfg   config.AutoTrade
}

func NewAutoTrader(queue Enqueuer, cfg config.AutoTrade) *AutoTrader {
	return &AutoTrader{queue: queue, cfg: cfg}
}

// DedupeKey is the queue key holding at most one live auto job per handle.
func DedupeKey(handle string) string { return "auto:" + handle }

// OnUpdate is the watcher callback. It reports whether a new job was enqueued.
func (a *AutoTrader) OnUpdate(ctx context.Context, acct *db.Account) bool {
	if acct == nil || !acct.AutoTrade || a.cfg.SellLamports == 0 {
		return false
	}
	if acct.SolLamports <= a.cfg.ThresholdLamports {
		return false
	}

	sell := jobs.TradePayload{
		Command: jobs.TradeCommand{
			Side:   jobs.SideSell,
			Mint:   config.NativeMint,
			Amount: solana.LamportsToSOL(a.cfg.SellLamports),
		},
		Origin: jobs.OriginAuto,
	}
	id, created, err := a.queue.Enqueue(ctx, acct.Handle, sell, jobs.WithDedupeKey(DedupeKey(acct.Handle)))
	if err != nil {
		log.Printf("❌ [autotrade] enqueue for %s failed: %v", acct.Handle, err)
		return false
	}
	if created {
		log.Printf("🤖 [autotrade] %s holds %d lamports > %d, queued sell %s (job %s)",
			acct.Handle, acct.SolLamports, a.cfg.ThresholdLamports, sell.Command.Amount, id)
	}
	return created
}
