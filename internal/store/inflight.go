package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"stevedore/internal/orchestrator"
)

// InflightOperation is a journal row for an accepted, unfinished item.
type InflightOperation struct {
	Handle    string    `json:"handle"`
	PackageID string    `json:"package_id"`
	SourceID  string    `json:"source_id"`
	Operation string    `json:"operation"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

var _ orchestrator.Tracker = (*Store)(nil)

// Track journals item as in flight.
func (s *Store) Track(ctx context.Context, item *orchestrator.QueueItem) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO inflight_operations (handle, package_id, source_id, operation, pid, started_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		item.Handle(),
		item.ID().PackageID,
		item.ID().SourceID,
		string(item.Operation()),
		os.Getpid(),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert inflight operation: %w", err)
	}
	return nil
}

// Untrack removes item from the journal.
func (s *Store) Untrack(ctx context.Context, item *orchestrator.QueueItem) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM inflight_operations WHERE handle = ?`, item.Handle()); err != nil {
		return fmt.Errorf("delete inflight operation: %w", err)
	}
	return nil
}

// ListInflight returns journal rows, oldest first.
func (s *Store) ListInflight(ctx context.Context) ([]InflightOperation, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT handle, package_id, source_id, operation, pid, started_at
         FROM inflight_operations ORDER BY started_at, handle`)
	if err != nil {
		return nil, fmt.Errorf("list inflight operations: %w", err)
	}
	defer rows.Close()

	var out []InflightOperation
	for rows.Next() {
		var (
			op      InflightOperation
			started sql.NullString
		)
		if err := rows.Scan(&op.Handle, &op.PackageID, &op.SourceID, &op.Operation, &op.PID, &started); err != nil {
			return nil, fmt.Errorf("scan inflight operation: %w", err)
		}
		op.StartedAt = parseTime(started)
		out = append(out, op)
	}
	return out, rows.Err()
}

// IsInflight reports whether any journal row targets the package.
func (s *Store) IsInflight(ctx context.Context, packageID, sourceID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM inflight_operations WHERE package_id = ? AND source_id = ?`,
		packageID, sourceID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count inflight operations: %w", err)
	}
	return count > 0, nil
}

// ResetInflight clears journal rows left behind by a process that exited
// without finishing its items. Callers must hold the single-instance lock.
func (s *Store) ResetInflight(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM inflight_operations`)
	if err != nil {
		return 0, fmt.Errorf("reset inflight operations: %w", err)
	}
	return res.RowsAffected()
}
