package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OperationRecord is a finished item kept for status queries.
type OperationRecord struct {
	Handle     string    `json:"handle"`
	PackageID  string    `json:"package_id"`
	SourceID   string    `json:"source_id"`
	Operation  string    `json:"operation"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const historyColumns = "handle, package_id, source_id, operation, result, error_message, created_at, finished_at"

// RecordResult appends rec to the history.
func (s *Store) RecordResult(ctx context.Context, rec OperationRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO operation_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(handle) DO NOTHING`,
		rec.Handle,
		rec.PackageID,
		rec.SourceID,
		rec.Operation,
		rec.Result,
		nullableString(rec.Error),
		formatTime(rec.CreatedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record operation result: %w", err)
	}
	return nil
}

// GetResult returns the history row for handle, or nil when absent.
func (s *Store) GetResult(ctx context.Context, handle string) (*OperationRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+historyColumns+` FROM operation_history WHERE handle = ?`, handle)
	if err != nil {
		return nil, fmt.Errorf("get operation result: %w", err)
	}
	records, err := scanHistory(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// ListHistory returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]OperationRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM operation_history ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operation history: %w", err)
	}
	return scanHistory(rows)
}

// PruneHistory keeps the newest keep records and deletes the rest.
func (s *Store) PruneHistory(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.execWithRetry(ctx,
		`DELETE FROM operation_history WHERE id NOT IN (
             SELECT id FROM operation_history ORDER BY id DESC LIMIT ?
         )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune operation history: %w", err)
	}
	return res.RowsAffected()
}

func scanHistory(rows *sql.Rows) ([]OperationRecord, error) {
	defer rows.Close()
	var out []OperationRecord
	for rows.Next() {
		var (
			rec      OperationRecord
			errMsg   sql.NullString
			created  sql.NullString
			finished sql.NullString
		)
		if err := rows.Scan(&rec.Handle, &rec.PackageID, &rec.SourceID, &rec.Operation, &rec.Result, &errMsg, &created, &finished); err != nil {
			return nil, fmt.Errorf("scan operation history: %w", err)
		}
		rec.Error = errMsg.String
		rec.CreatedAt = parseTime(created)
		rec.FinishedAt = parseTime(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}
