package db

import (
	"context"
	"fmt"
)

// InsertSnapshotSQL appends one portfolio point. Exposed for batched writers.
const InsertSnapshotSQL = `INSERT INTO portfolio_snapshots (handle, taken_at, total_usd, data) VALUES (?, ?, ?, ?)`

// SnapshotArgs returns the bind arguments for InsertSnapshotSQL.
func SnapshotArgs(s Snapshot) []any {
	return []any{s.Handle, Millis(s.TakenAt), s.TotalUSD, s.Data}
}

// AppendSnapshot writes one point synchronously.
func (d *Database) AppendSnapshot(ctx context.Context, s Snapshot) error {
	if s.Handle == "" {
		return ErrHandleRequired
	}
	if _, err := d.DB.ExecContext(ctx, InsertSnapshotSQL, SnapshotArgs(s)...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns up to limit points for handle, newest first.
func (d *Database) ListSnapshots(ctx context.Context, handle string, limit int) ([]Snapshot, error) {
	if handle == "" {
		return nil, ErrHandleRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, handle, taken_at, total_usd, data
		FROM portfolio_snapshots
		WHERE handle = ?
		ORDER BY taken_at DESC, id DESC
		LIMIT ?
	`, handle, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			s  Snapshot
			ts int64
		)
		if err := rows.Scan(&s.ID, &s.Handle, &ts, &s.TotalUSD, &s.Data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.TakenAt = FromMillis(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}
