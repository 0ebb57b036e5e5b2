package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Pending status tags. The full vocabulary lives in the syncer package; the
// store only needs to know which tags mean "still needs to leave this node".
const (
	statusSynced = "S"
)

// Row is one cached record with its synchronization state.
type Row struct {
	Collection string
	ID         string
	Data       map[string]any
	SyncStatus string
	SyncError  string
	UpdatedAt  time.Time
}

// UpsertRecords writes one imported page of records in a single transaction,
// so a partial page is never observed. Records are keyed by the normalized
// value of keyField; items without a usable key are skipped. Returns the
// number of rows written.
//
// Existing rows keep their sync_status and sync_error: an import refreshes
// the cached data but never discards a pending outbound change.
func (db *DB) UpsertRecords(ctx context.Context, collection, keyField string, items []map[string]any) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (collection, id, data, sync_status, sync_error, updated_at)
	VALUES (?, ?, ?, ?, NULL, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	written := 0

	for _, item := range items {
		id := normalizeID(item[keyField])
		if id == "" {
			continue
		}

		data, err := json.Marshal(item)
		if err != nil {
			return written, fmt.Errorf("failed to marshal record %s/%s: %w", collection, id, err)
		}

		if _, err := stmt.ExecContext(ctx, collection, id, string(data), statusSynced, now); err != nil {
			return written, fmt.Errorf("failed to upsert record %s/%s: %w", collection, id, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return written, nil
}

// PutRecord writes a single record with an explicit status tag.
// Used by local writers that stage outbound changes.
func (db *DB) PutRecord(ctx context.Context, collection, id string, data map[string]any, status string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s/%s: %w", collection, id, err)
	}

	query := `
	INSERT INTO records (collection, id, data, sync_status, sync_error, updated_at)
	VALUES (?, ?, ?, ?, NULL, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		sync_status = excluded.sync_status,
		sync_error = NULL,
		updated_at = excluded.updated_at
	`

	_, err = db.conn.ExecContext(ctx, query,
		collection, id, string(payload), status, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetRecord returns one record, or nil if absent.
func (db *DB) GetRecord(ctx context.Context, collection, id string) (*Row, error) {
	query := `
	SELECT collection, id, data, sync_status, sync_error, updated_at
	FROM records
	WHERE collection = ? AND id = ?
	`

	row := db.conn.QueryRowContext(ctx, query, collection, id)
	rec, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// ListPending returns all rows of a collection whose status tag is one of
// the given tags, in id order.
func (db *DB) ListPending(ctx context.Context, collection string, tags ...string) ([]*Row, error) {
	if len(tags) == 0 {
		tags = []string{"C", "U", "D"}
	}

	placeholders := strings.Repeat("?,", len(tags))
	placeholders = placeholders[:len(placeholders)-1]

	query := `
	SELECT collection, id, data, sync_status, sync_error, updated_at
	FROM records
	WHERE collection = ? AND sync_status IN (` + placeholders + `)
	ORDER BY id ASC
	`

	args := make([]any, 0, len(tags)+1)
	args = append(args, collection)
	for _, tag := range tags {
		args = append(args, tag)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// SetSyncStatus updates one row's status tag and error text.
func (db *DB) SetSyncStatus(ctx context.Context, collection, id, status, errText string) error {
	query := `
	UPDATE records
	SET sync_status = ?, sync_error = ?, updated_at = ?
	WHERE collection = ? AND id = ?
	`

	var syncErr sql.NullString
	if errText != "" {
		syncErr = sql.NullString{String: errText, Valid: true}
	}

	result, err := db.conn.ExecContext(ctx, query,
		status, syncErr, time.Now().UTC().Format(time.RFC3339Nano), collection, id)
	if err != nil {
		return fmt.Errorf("failed to set sync status for %s/%s: %w", collection, id, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("record %s/%s not found", collection, id)
	}
	return nil
}

// DeleteRecord removes a record. Idempotent.
func (db *DB) DeleteRecord(ctx context.Context, collection, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", collection, id, err)
	}
	return nil
}

// ListIDs returns every record id of a collection, in id order.
// The importer reads parent ids from here for per-parent child fetches.
func (db *DB) ListIDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM records WHERE collection = ? ORDER BY id ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids for %s: %w", collection, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRecords returns the number of records in a collection.
func (db *DB) CountRecords(ctx context.Context, collection string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for %s: %w", collection, err)
	}
	return count, nil
}

// ListRecords returns every record of a collection as decoded documents.
// Used by the comparator CLI and by tests.
func (db *DB) ListRecords(ctx context.Context, collection string) ([]map[string]any, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT collection, id, data, sync_status, sync_error, updated_at
	FROM records WHERE collection = ? ORDER BY id ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", collection, err)
	}
	defer rows.Close()

	scanned, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(scanned))
	for _, row := range scanned {
		docs = append(docs, row.Data)
	}
	return docs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (*Row, error) {
	var row Row
	var data string
	var syncErr sql.NullString
	var updatedAt string

	if err := scanner.Scan(&row.Collection, &row.ID, &data, &row.SyncStatus, &syncErr, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(data), &row.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s/%s: %w", row.Collection, row.ID, err)
	}
	if syncErr.Valid {
		row.SyncError = syncErr.String
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		row.UpdatedAt = t
	}

	return &row, nil
}

func scanRows(rows *sql.Rows) ([]*Row, error) {
	var result []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return result, nil
}

// normalizeID casts a key value to a stable string id.
func normalizeID(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}
