package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/playground"
)

// OperationRecord is a finished lifecycle operation.
type OperationRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Container  string    `json:"container"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (db *DB) RecordOperation(ctx context.Context, rec OperationRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, container, status, error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`, rec.ID, rec.Kind, rec.Container, rec.Status, rec.Error, rec.CreatedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("record operation %s: %w", rec.ID, err)
	}
	return nil
}

func (db *DB) RecentOperations(ctx context.Context, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, container, status, error, created_at, finished_at
		FROM operations
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		var finished *time.Time
		if err := rows.Scan(&r.ID, &r.Kind, &r.Container, &r.Status, &r.Error, &r.CreatedAt, &finished); err != nil {
			return nil, err
		}
		if finished != nil {
			r.FinishedAt = *finished
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OperationRecorder persists finished operations. Register it with
// playground.Manager.Listen.
type OperationRecorder struct {
	DB      *DB
	Timeout time.Duration
}

func (r *OperationRecorder) OperationFinished(op playground.Operation) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := OperationRecord{
		ID:        op.ID,
		Kind:      string(op.Kind),
		Container: op.Playground,
		Status:    string(op.Status),
		Error:     op.Error,
		CreatedAt: op.CreatedAt,
	}
	if op.FinishedAt != nil {
		rec.FinishedAt = *op.FinishedAt
	}
	if err := r.DB.RecordOperation(ctx, rec); err != nil {
		log.Warn().Err(err).Str("operation_id", op.ID).Msg("Failed to record operation")
	}
}

var _ playground.Listener = (*OperationRecorder)(nil)
