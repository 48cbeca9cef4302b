package jobs

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/events"
	"nexus-core/pkg/config"
)

// Handler executes one delivery of a job. Returning an error hands the job
// back to the queue's retry policy.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Gate stops workers from claiming new jobs, e.g. while the breaker is dead.
type Gate interface {
	IsAlive() bool
}

// Result represents the outcome of one delivery attempt.
type Result struct {
	JobID     string        `json:"job_id"`
	Type      Type          `json:"type"`
	Handle    string        `json:"handle"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	Dead      bool          `json:"dead"`
	Error     error         `json:"-"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

type registration struct {
	handler Handler
	workers int
}

// Pool runs a fixed set of workers per job type. Each worker holds at most
// one job; slow handlers never block dispatch for other workers.
type Pool struct {
	queue    *Queue
	gate     Gate
	bus      *events.Bus
	workerID string
	poll     time.Duration

	mu       sync.Mutex
	handlers map[Type]registration
	started  bool

	resultCh chan Result
	wg       sync.WaitGroup
}

func NewPool(queue *Queue, cfg config.Queue, gate Gate, bus *events.Bus, workerID string) *Pool {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Pool{
		queue:    queue,
		gate:     gate,
		bus:      bus,
		workerID: workerID,
		poll:     poll,
		handlers: make(map[Type]registration),
		resultCh: make(chan Result, 100),
	}
}

// Register binds a handler and worker count to a job type. It must be
// called before Start.
func (p *Pool) Register(t Type, h Handler, workers int) {
	if workers <= 0 {
		workers = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("jobs: Register after Start")
	}
	p.handlers[t] = registration{handler: h, workers: workers}
}

// Start launches the workers. They stop claiming when ctx is done; a job
// already claimed runs to completion.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for t, reg := range p.handlers {
		for i := 0; i < reg.workers; i++ {
			id := fmt.Sprintf("%s/%s-%d", p.workerID, t, i)
			p.wg.Add(1)
			go p.run(ctx, t, reg.handler, id)
		}
		log.Printf("✓ [pool] %d %s workers started", reg.workers, t)
	}
}

func (p *Pool) run(ctx context.Context, t Type, h Handler, workerID string) {
	defer p.wg.Done()
	wake := p.queue.Wake(t)
	for {
		if ctx.Err() != nil {
			return
		}
		if p.gate != nil && !p.gate.IsAlive() {
			if !p.idle(ctx, nil) {
				return
			}
			continue
		}

		job, err := p.queue.Claim(ctx, t, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("❌ [pool] %s claim failed: %v", workerID, err)
		}
		if job == nil {
			if !p.idle(ctx, wake) {
				return
			}
			continue
		}
		p.process(ctx, h, job)
	}
}

// idle waits for a wake signal or the poll interval; false means ctx ended.
func (p *Pool) idle(ctx context.Context, wake <-chan struct{}) bool {
	t := time.NewTimer(p.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
	case <-t.C:
	}
	return true
}

func (p *Pool) process(ctx context.Context, h Handler, job *Job) {
	// Shutdown must not abort a job mid-flight.
	jobCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err := safeHandle(jobCtx, h, job)
	result := Result{
		JobID:     job.ID,
		Type:      job.Type,
		Handle:    job.Handle,
		Attempt:   job.Attempts,
		Success:   err == nil,
		Error:     err,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	outcome := events.JobOutcome{
		JobID:    job.ID,
		Type:     string(job.Type),
		Handle:   job.Handle,
		Attempt:  job.Attempts,
		Duration: result.Latency,
	}

	if err == nil {
		if cerr := p.queue.Complete(jobCtx, job); cerr != nil {
			log.Printf("❌ [pool] %v", cerr)
		}
		log.Printf("✅ Job %s (%s/%s) done (latency: %v)", job.ID, job.Type, job.Handle, result.Latency)
		p.bus.Publish(events.EventJobCompleted, outcome)
		p.emit(result)
		return
	}

	result.ErrorMsg = err.Error()
	outcome.Err = err.Error()
	outcome.Code = agenterr.CodeOf(err).String()

	dead, ferr := p.queue.Fail(jobCtx, job, err)
	if ferr != nil {
		log.Printf("❌ [pool] %v", ferr)
	}
	if dead {
		result.Dead = true
		exhausted := agenterr.Wrap(agenterr.CodeQueueExhausted,
			fmt.Sprintf("job %s dead-lettered after %d/%d attempts", job.ID, job.Attempts, job.MaxAttempts), err)
		log.Printf("🪦 %v", exhausted)
		p.bus.Publish(events.EventJobDeadLettered, outcome)
	} else {
		log.Printf("❌ Job %s (%s/%s) attempt %d/%d failed: %v (retry at %s)",
			job.ID, job.Type, job.Handle, job.Attempts, job.MaxAttempts, err, job.NextRunAt.Format(time.RFC3339))
		p.bus.Publish(events.EventJobFailed, outcome)
	}
	p.emit(result)
}

func safeHandle(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("💥 [pool] job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			err = agenterr.Newf(agenterr.CodeInternal, "handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// emit sends a result without blocking.
func (p *Pool) emit(r Result) {
	select {
	case p.resultCh <- r:
	default:
		log.Printf("⚠️ Result channel full, dropping result for %s", r.JobID)
	}
}

// Results returns the result channel for monitoring.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Wait blocks until every worker has exited, then closes Results.
func (p *Pool) Wait() {
	p.wg.Wait()
	close(p.resultCh)
}
