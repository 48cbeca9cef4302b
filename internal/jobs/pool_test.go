package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"nexus-core/internal/events"
	"nexus-core/pkg/config"
)

type gate struct{ alive atomic.Bool }

func (g *gate) IsAlive() bool { return g.alive.Load() }

func waitResult(t *testing.T, p *Pool) Result {
	t.Helper()
	select {
	case r := <-p.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job result")
	}
	return Result{}
}

func TestPoolRunsRegisteredHandler(t *testing.T) {
	cfg := config.Queue{PollInterval: 10 * time.Millisecond}
	q, bus := newTestQueue(t, cfg)
	done, unsub := bus.Subscribe(events.EventJobCompleted, 1)
	defer unsub()

	var seen atomic.Value
	p := NewPool(q, cfg, nil, bus, "node")
	p.Register(TypeAI, HandlerFunc(func(ctx context.Context, job *Job) error {
		body, err := job.AI()
		seen.Store(body.Text)
		return err
	}), 2)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	id, _, err := q.Enqueue(context.Background(), "alice", AIPayload{Text: "gm"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitResult(t, p)
	if !r.Success || r.JobID != id || r.Attempt != 1 {
		t.Fatalf("result = %+v", r)
	}
	if seen.Load() != "gm" {
		t.Fatalf("handler saw %v", seen.Load())
	}
	if o := (<-done).(events.JobOutcome); o.JobID != id {
		t.Fatalf("completed event = %+v", o)
	}
	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	cancel()
	p.Wait()
}

func TestPoolRecoversPanicsAndDeadLetters(t *testing.T) {
	cfg := config.Queue{PollInterval: 10 * time.Millisecond, MaxAttempts: 1}
	q, bus := newTestQueue(t, cfg)
	dead, unsub := bus.Subscribe(events.EventJobDeadLettered, 1)
	defer unsub()

	p := NewPool(q, cfg, nil, bus, "node")
	p.Register(TypeTrade, HandlerFunc(func(ctx context.Context, job *Job) error {
		panic("boom")
	}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); p.Wait() }()
	p.Start(ctx)
	id, _, _ := q.Enqueue(context.Background(), "alice", buyUSDC("1"))

	r := waitResult(t, p)
	if r.Success || !r.Dead || r.JobID != id {
		t.Fatalf("result = %+v", r)
	}
	if o := (<-dead).(events.JobOutcome); o.Code != "internal" {
		t.Fatalf("dead-letter event = %+v", o)
	}
}

func TestPoolRetriesFailedJob(t *testing.T) {
	cfg := config.Queue{PollInterval: 5 * time.Millisecond, MaxAttempts: 3, Backoff: time.Millisecond}
	q, bus := newTestQueue(t, cfg)

	var calls atomic.Int32
	p := NewPool(q, cfg, nil, bus, "node")
	p.Register(TypeTrade, HandlerFunc(func(ctx context.Context, job *Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); p.Wait() }()
	p.Start(ctx)
	q.Enqueue(context.Background(), "alice", buyUSDC("1"))

	if r := waitResult(t, p); r.Success || r.Dead {
		t.Fatalf("first result = %+v", r)
	}
	if r := waitResult(t, p); !r.Success || r.Attempt != 2 {
		t.Fatalf("second result = %+v", r)
	}
}

func TestPoolHoldsJobsWhileGateClosed(t *testing.T) {
	cfg := config.Queue{PollInterval: 5 * time.Millisecond}
	q, bus := newTestQueue(t, cfg)
	g := &gate{}

	var calls atomic.Int32
	p := NewPool(q, cfg, g, bus, "node")
	p.Register(TypeAI, HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); p.Wait() }()
	p.Start(ctx)
	q.Enqueue(context.Background(), "alice", AIPayload{Text: "gm"})

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("job ran while gate was closed")
	}
	g.alive.Store(true)
	if r := waitResult(t, p); !r.Success {
		t.Fatalf("result = %+v", r)
	}
}
