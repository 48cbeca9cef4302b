// Package jobs is the durable at-least-once job queue and the worker pool
// that drains it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/events"
	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
)

// ErrJobNotFound is returned for unknown ids and for requeue of a live job.
var ErrJobNotFound = errors.New("job not found")

// Queue persists jobs in sqlite. Claims are transactional so a job instance
// is held by one worker at a time.
type Queue struct {
	db  *db.Database
	cfg config.Queue
	bus *events.Bus
	now func() time.Time

	mu   sync.Mutex
	wake map[Type]chan struct{}
}

func NewQueue(database *db.Database, cfg config.Queue, bus *events.Bus) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Queue{
		db:   database,
		cfg:  cfg,
		bus:  bus,
		now:  time.Now,
		wake: make(map[Type]chan struct{}),
	}
}

type enqueueOptions struct {
	dedupeKey string
	delay     time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithDedupeKey suppresses the enqueue while another pending or running job
// carries the same key.
func WithDedupeKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.dedupeKey = key }
}

// WithDelay makes the job due after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue validates p and stores it as a pending job for handle. A payload
// that fails validation is rejected here, never at dequeue. When a dedupe key
// matches a live job the existing id is returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, handle string, p Payload, opts ...EnqueueOption) (id string, created bool, err error) {
	var o enqueueOptions
	for _, fn := range opts {
		fn(&o)
	}
	if strings.TrimSpace(handle) == "" {
		return "", false, agenterr.New(agenterr.CodeValidation, "handle is required")
	}
	if p == nil {
		return "", false, agenterr.New(agenterr.CodeValidation, "payload is required")
	}
	if err := p.Validate(); err != nil {
		return "", false, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", false, agenterr.Wrap(agenterr.CodeValidation, "encode payload", err)
	}

	now := q.now()
	rec := db.JobRecord{
		ID:          uuid.NewString(),
		Type:        string(p.JobType()),
		Handle:      handle,
		Payload:     string(body),
		MaxAttempts: q.cfg.MaxAttempts,
		NextRunAt:   now.Add(o.delay),
		EnqueuedAt:  now,
		DedupeKey:   o.dedupeKey,
	}
	id, created, err = q.db.InsertJob(ctx, rec)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s job: %w", rec.Type, err)
	}
	if !created {
		log.Printf("⏭️ [queue] %s job for %s deduplicated onto %s", rec.Type, handle, id)
		return id, false, nil
	}

	q.bus.Publish(events.EventJobEnqueued, events.JobOutcome{JobID: id, Type: rec.Type, Handle: handle})
	q.signal(p.JobType())
	return id, true, nil
}

// Claim returns the next due job of type t, or nil when none is due.
func (q *Queue) Claim(ctx context.Context, t Type, workerID string) (*Job, error) {
	rec, err := q.db.ClaimJob(ctx, string(t), workerID, q.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// Complete acknowledges a successful delivery.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if err := q.db.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	job.Status = StatusCompleted
	return nil
}

// Fail records a failed delivery. Permanent failures and jobs at their
// attempt cap are dead-lettered; the rest are rescheduled with exponential
// backoff. It reports whether the job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (dead bool, err error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if agenterr.IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		if err := q.db.BuryJob(ctx, job.ID, msg); err != nil {
			return false, fmt.Errorf("bury job %s: %w", job.ID, err)
		}
		job.Status = StatusDead
		job.LastError = msg
		return true, nil
	}

	next := q.now().Add(q.Backoff(job.Attempts))
	if err := q.db.RescheduleJob(ctx, job.ID, next, msg); err != nil {
		return false, fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	job.Status = StatusPending
	job.NextRunAt = next
	job.LastError = msg
	return false, nil
}

// Backoff is the wait after the given (1-based) attempt: backoff * 2^(attempt-1).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return q.cfg.Backoff << (attempt - 1)
}

// Recover returns jobs stranded in running by a crash to pending.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.db.RecoverJobs(ctx, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("🔄 [queue] recovered %d jobs left running by a previous process", n)
	}
	return int(n), nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	rec, err := q.db.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// DeadLetters lists parked jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	recs, err := q.db.ListJobs(ctx, db.JobDead, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// Requeue revives a dead-lettered job with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	rec, err := q.db.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if err := q.db.RequeueJob(ctx, id, q.now()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: job %s is %s, not dead", ErrJobNotFound, id, rec.Status)
		}
		return err
	}
	log.Printf("♻️ [queue] requeued dead job %s (%s for %s)", id, rec.Type, rec.Handle)
	q.signal(Type(rec.Type))
	return nil
}

// Stats counts jobs by type and status.
func (q *Queue) Stats(ctx context.Context) (map[Type]map[Status]int, error) {
	raw, err := q.db.JobCounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Type]map[Status]int, len(raw))
	for typ, byStatus := range raw {
		m := make(map[Status]int, len(byStatus))
		for status, n := range byStatus {
			m[Status(status)] = n
		}
		out[Type(typ)] = m
	}
	return out, nil
}

// Wake returns a channel that receives when a job of type t may be due.
func (q *Queue) Wake(t Type) <-chan struct{} {
	return q.wakeChan(t)
}

func (q *Queue) wakeChan(t Type) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wake[t]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[t] = ch
	}
	return ch
}

func (q *Queue) signal(t Type) {
	select {
	case q.wakeChan(t) <- struct{}{}:
	default:
	}
}

func fromRecord(r *db.JobRecord) *Job {
	return &Job{
		ID:          r.ID,
		Type:        Type(r.Type),
		Handle:      r.Handle,
		Status:      Status(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		EnqueuedAt:  r.EnqueuedAt,
		NextRunAt:   r.NextRunAt,
		UpdatedAt:   r.UpdatedAt,
		WorkerID:    r.WorkerID,
		LastError:   r.LastError,
		DedupeKey:   r.DedupeKey,
		raw:         json.RawMessage(r.Payload),
	}
}
