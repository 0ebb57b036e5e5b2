package store

import (
	"context"
	"fmt"
	"time"
)

// SyncHistory is one outbound synchronization batch result.
type SyncHistory struct {
	ID       int64
	Domain   string
	Created  int
	Updated  int
	Deleted  int
	Errors   int
	Total    int
	Duration time.Duration
	RanAt    time.Time
}

// AppendSyncHistory records one batch result. Appended after every batch
// regardless of outcome.
func (db *DB) AppendSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `
	INSERT INTO sync_history (domain, created, updated, deleted, errors, total, duration_ms, ran_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	ranAt := h.RanAt
	if ranAt.IsZero() {
		ranAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx, query,
		h.Domain, h.Created, h.Updated, h.Deleted, h.Errors, h.Total,
		h.Duration.Milliseconds(), ranAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}
	return nil
}

// ListSyncHistory returns the most recent batches, newest first.
// limit <= 0 means no limit.
func (db *DB) ListSyncHistory(ctx context.Context, domain string, limit int) ([]*SyncHistory, error) {
	query := `
	SELECT id, domain, created, updated, deleted, errors, total, duration_ms, ran_at
	FROM sync_history
	`
	var args []any
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var result []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		var durationMs int64
		var ranAt string

		err := rows.Scan(&h.ID, &h.Domain, &h.Created, &h.Updated, &h.Deleted,
			&h.Errors, &h.Total, &durationMs, &ranAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}

		h.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, ranAt); err == nil {
			h.RanAt = t
		}
		result = append(result, &h)
	}

	return result, rows.Err()
}
