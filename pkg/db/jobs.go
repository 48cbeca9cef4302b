package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobDead      = "dead"
)

// JobRecord is one durable queue row. Payload is the JSON of the typed payload.
type JobRecord struct {
	ID          string
	Type        string
	Handle      string
	Payload     string
	Status      string
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
	WorkerID    string
	LastError   string
	DedupeKey   string
}

const jobColumns = `id, type, handle, payload, status, attempts, max_attempts, next_run_at, enqueued_at, updated_at,
	COALESCE(worker_id, ''), COALESCE(last_error, ''), COALESCE(dedupe_key, '')`

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		j                     JobRecord
		next, queued, updated int64
	)
	err := row.Scan(&j.ID, &j.Type, &j.Handle, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&next, &queued, &updated, &j.WorkerID, &j.LastError, &j.DedupeKey)
	if err != nil {
		return nil, err
	}
	j.NextRunAt = FromMillis(next)
	j.EnqueuedAt = FromMillis(queued)
	j.UpdatedAt = FromMillis(updated)
	return &j, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertJob stores a pending job. When DedupeKey is set and a pending or
// running job already holds it, nothing is inserted and the existing id is
// returned with inserted=false.
func (d *Database) InsertJob(ctx context.Context, j JobRecord) (id string, inserted bool, err error) {
	if j.Handle == "" {
		return "", false, ErrHandleRequired
	}
	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		if j.DedupeKey != "" {
			var existing string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('pending', 'running') LIMIT 1`,
				j.DedupeKey).Scan(&existing)
			if err == nil {
				id = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check dedupe key: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, type, handle, payload, status, attempts, max_attempts, next_run_at, enqueued_at, updated_at, dedupe_key)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)
		`, j.ID, j.Type, j.Handle, j.Payload, j.MaxAttempts,
			Millis(j.NextRunAt), Millis(j.EnqueuedAt), Millis(j.EnqueuedAt), nullable(j.DedupeKey))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, inserted = j.ID, true
		return nil
	})
	return id, inserted, err
}

// ClaimJob moves the oldest due pending job of jobType to running and bumps
// its attempt count. It returns ErrNotFound when nothing is due.
func (d *Database) ClaimJob(ctx context.Context, jobType, workerID string, now time.Time) (*JobRecord, error) {
	var claimed *JobRecord
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE type = ? AND status = 'pending' AND next_run_at <= ?
			ORDER BY next_run_at, enqueued_at LIMIT 1
		`, jobType, Millis(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select due job: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', attempts = attempts + 1, worker_id = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, workerID, Millis(now), j.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}
		j.Status = JobRunning
		j.Attempts++
		j.WorkerID = workerID
		j.UpdatedAt = FromMillis(Millis(now))
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *Database) setJobState(ctx context.Context, id, from, to string, nextRun time.Time, lastErr string) error {
	now := time.Now()
	res, err := d.DB.ExecContext(ctx, `
		UPDATE jobs SET status = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, Millis(nextRun), nullable(lastErr), Millis(now), id, from)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a running job done.
func (d *Database) CompleteJob(ctx context.Context, id string) error {
	return d.setJobState(ctx, id, JobRunning, JobCompleted, time.Time{}, "")
}

// RescheduleJob returns a running job to pending, due at next.
func (d *Database) RescheduleJob(ctx context.Context, id string, next time.Time, lastErr string) error {
	return d.setJobState(ctx, id, JobRunning, JobPending, next, lastErr)
}

// BuryJob dead-letters a running job.
func (d *Database) BuryJob(ctx context.Context, id, lastErr string) error {
	return d.setJobState(ctx, id, JobRunning, JobDead, time.Time{}, lastErr)
}

// RequeueJob revives a dead job with a fresh attempt budget.
func (d *Database) RequeueJob(ctx context.Context, id string, now time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempts = 0, next_run_at = ?, updated_at = ?
		WHERE id = ? AND status = 'dead'
	`, Millis(now), Millis(now), id)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverJobs returns jobs left running by a dead process to pending.
func (d *Database) RecoverJobs(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', next_run_at = ?, updated_at = ?, worker_id = NULL
		WHERE status = 'running'
	`, Millis(now), Millis(now))
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return res.RowsAffected()
}

func (d *Database) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	j, err := scanJob(d.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs in status, most recently updated first.
func (d *Database) ListJobs(ctx context.Context, status string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// JobCounts groups jobs by type and status.
func (d *Database) JobCounts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT type, status, COUNT(*) FROM jobs GROUP BY type, status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var (
			typ, status string
			n           int
		)
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return nil, err
		}
		if out[typ] == nil {
			out[typ] = make(map[string]int)
		}
		out[typ][status] = n
	}
	return out, rows.Err()
}
