package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/events"
	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
)

func newTestQueue(t *testing.T, cfg config.Queue) (*Queue, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	bus := events.NewBus()
	return NewQueue(database, cfg, bus), bus
}

func buyUSDC(amount string) TradePayload {
	return TradePayload{
		Command: TradeCommand{Side: SideBuy, Mint: config.USDCMint, Amount: decimal.RequireFromString(amount)},
		Origin:  OriginChat,
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q, _ := newTestQueue(t, config.Queue{})
	ctx := context.Background()

	tests := []struct {
		name string
		p    Payload
	}{
		{"bad side", TradePayload{Command: TradeCommand{Side: "hold", Mint: config.USDCMint, Amount: decimal.NewFromInt(1)}}},
		{"bad mint", TradePayload{Command: TradeCommand{Side: SideBuy, Mint: "nope", Amount: decimal.NewFromInt(1)}}},
		{"zero amount", TradePayload{Command: TradeCommand{Side: SideBuy, Mint: config.USDCMint}}},
		{"buy sol", TradePayload{Command: TradeCommand{Side: SideBuy, Mint: config.NativeMint, Amount: decimal.NewFromInt(1)}}},
		{"empty prompt", AIPayload{Text: "  "}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := q.Enqueue(ctx, "alice", tt.p)
			if agenterr.CodeOf(err) != agenterr.CodeValidation {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
	stats, _ := q.Stats(ctx)
	if len(stats) != 0 {
		t.Fatalf("rejected payloads were stored: %v", stats)
	}
}

func TestNormalizeMapsSOLAlias(t *testing.T) {
	c := TradeCommand{Side: " SELL ", Mint: "sol", Amount: decimal.NewFromInt(1)}.Normalize()
	if c.Side != SideSell || c.Mint != config.NativeMint {
		t.Fatalf("normalized = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEnqueueClaimRoundTrip(t *testing.T) {
	q, bus := newTestQueue(t, config.Queue{})
	enq, unsub := bus.Subscribe(events.EventJobEnqueued, 1)
	defer unsub()
	ctx := context.Background()

	id, created, err := q.Enqueue(ctx, "alice", buyUSDC("0.5"))
	if err != nil || !created {
		t.Fatalf("Enqueue = %v, %v", created, err)
	}
	if got := (<-enq).(events.JobOutcome); got.JobID != id {
		t.Fatalf("enqueued event = %+v", got)
	}
	select {
	case <-q.Wake(TypeTrade):
	default:
		t.Fatal("enqueue did not wake trade workers")
	}

	job, err := q.Claim(ctx, TypeTrade, "w1")
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}
	p, err := job.Trade()
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}
	if !p.Command.Amount.Equal(decimal.RequireFromString("0.5")) || p.Command.Mint != config.USDCMint {
		t.Fatalf("payload = %+v", p)
	}
	if _, err := job.AI(); err == nil {
		t.Fatal("AI() decoded a trade job")
	}

	again, err := q.Claim(ctx, TypeTrade, "w2")
	if err != nil || again != nil {
		t.Fatalf("job visible to a second claimer: %v, %v", again, err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t, config.Queue{MaxAttempts: 3, Backoff: time.Second})
	clock := time.Now()
	q.now = func() time.Time { return clock }
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, "alice", buyUSDC("1"))
	boom := agenterr.New(agenterr.CodeNetwork, "venue down")

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, want := range wantDelays {
		job, err := q.Claim(ctx, TypeTrade, "w")
		if err != nil || job == nil {
			t.Fatalf("attempt %d: Claim = %v, %v", i+1, job, err)
		}
		dead, err := q.Fail(ctx, job, boom)
		if err != nil || dead {
			t.Fatalf("attempt %d: Fail = %v, %v", i+1, dead, err)
		}
		if got := job.NextRunAt.Sub(clock); got != want {
			t.Fatalf("attempt %d: backoff = %v, want %v", i+1, got, want)
		}
		if j, _ := q.Claim(ctx, TypeTrade, "w"); j != nil {
			t.Fatalf("attempt %d: claimed before backoff elapsed", i+1)
		}
		clock = clock.Add(want)
	}

	job, _ := q.Claim(ctx, TypeTrade, "w")
	if job == nil || job.Attempts != 3 {
		t.Fatalf("third claim = %+v", job)
	}
	dead, err := q.Fail(ctx, job, boom)
	if err != nil || !dead {
		t.Fatalf("final Fail = %v, %v", dead, err)
	}

	letters, err := q.DeadLetters(ctx, 10)
	if err != nil || len(letters) != 1 || letters[0].ID != id || letters[0].LastError != boom.Error() {
		t.Fatalf("dead letters = %+v, %v", letters, err)
	}

	if err := q.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	revived, _ := q.Claim(ctx, TypeTrade, "w")
	if revived == nil || revived.Attempts != 1 {
		t.Fatalf("revived = %+v", revived)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	q, _ := newTestQueue(t, config.Queue{MaxAttempts: 5})
	ctx := context.Background()
	q.Enqueue(ctx, "alice", buyUSDC("1"))

	job, _ := q.Claim(ctx, TypeTrade, "w")
	dead, err := q.Fail(ctx, job, agenterr.New(agenterr.CodePartialCompletion, "burn sent, operator failed"))
	if err != nil || !dead {
		t.Fatalf("Fail = %v, %v", dead, err)
	}
}

func TestDedupeKeyAllowsOneLiveJob(t *testing.T) {
	q, _ := newTestQueue(t, config.Queue{})
	ctx := context.Background()
	sell := TradePayload{Command: TradeCommand{Side: SideSell, Mint: config.NativeMint, Amount: decimal.RequireFromString("0.02")}, Origin: OriginAuto}

	first, created, err := q.Enqueue(ctx, "alice", sell, WithDedupeKey("auto:alice"))
	if err != nil || !created {
		t.Fatalf("first = %v, %v", created, err)
	}
	second, created, err := q.Enqueue(ctx, "alice", sell, WithDedupeKey("auto:alice"))
	if err != nil || created || second != first {
		t.Fatalf("second = %q, %v, %v", second, created, err)
	}
	stats, _ := q.Stats(ctx)
	if stats[TypeTrade][StatusPending] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestRecoverReturnsRunningJobs(t *testing.T) {
	q, _ := newTestQueue(t, config.Queue{})
	ctx := context.Background()
	q.Enqueue(ctx, "alice", AIPayload{Text: "gm"})
	if job, _ := q.Claim(ctx, TypeAI, "crashed"); job == nil {
		t.Fatal("nothing claimed")
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if job, _ := q.Claim(ctx, TypeAI, "fresh"); job == nil {
		t.Fatal("recovered job not claimable")
	}
}

func TestRequeueUnknownOrLiveJob(t *testing.T) {
	q, _ := newTestQueue(t, config.Queue{})
	ctx := context.Background()
	if err := q.Requeue(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing: %v", err)
	}
	id, _, _ := q.Enqueue(ctx, "alice", AIPayload{Text: "gm"})
	if err := q.Requeue(ctx, id); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("pending: %v", err)
	}
}
