// Package persistence buffers append-only writes that do not need to land
// synchronously, such as portfolio snapshots.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter flushes buffered statements in one transaction, either when
// maxSize is reached or every interval.
type BatchWriter struct {
	db       *sql.DB
	mu       sync.Mutex
	buffer   []WriteOp
	maxSize  int
	interval time.Duration
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	writes    atomic.Uint64
	batches   atomic.Uint64
	failures  atomic.Uint64
	lastBatch atomic.Int64
	lastFlush atomic.Int64
}

// Metrics is a point-in-time view of writer activity.
type Metrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	bw := &BatchWriter{
		db:       db,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Write buffers one statement. A full buffer is flushed inline.
func (bw *BatchWriter) Write(query string, args ...any) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, WriteOp{Query: query, Args: args})
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(context.Background()); err != nil {
			log.Printf("⚠️ BatchWriter: flush on full buffer: %v", err)
		}
	}
}

// Flush writes everything buffered so far. A failed batch is dropped;
// callers treat these writes as best-effort.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	if err := bw.exec(ctx, ops); err != nil {
		bw.failures.Add(1)
		return err
	}
	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)
	bw.lastBatch.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixMilli())
	return nil
}

func (bw *BatchWriter) exec(ctx context.Context, ops []WriteOp) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("batch of %d rolled back: %w", len(ops), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("⚠️ BatchWriter: background flush: %v", err)
			}
		case <-bw.done:
			return
		}
	}
}

func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Metrics() Metrics {
	m := Metrics{
		TotalWrites:   bw.writes.Load(),
		TotalBatches:  bw.batches.Load(),
		TotalErrors:   bw.failures.Load(),
		Pending:       bw.Pending(),
		LastBatchSize: int(bw.lastBatch.Load()),
	}
	if ms := bw.lastFlush.Load(); ms > 0 {
		m.LastFlushTime = time.UnixMilli(ms)
	}
	return m
}

// Close stops the background loop and flushes what is left.
func (bw *BatchWriter) Close() error {
	var err error
	bw.once.Do(func() {
		close(bw.done)
		bw.wg.Wait()
		err = bw.Flush(context.Background())
	})
	return err
}
