package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Operation is one recorded CLI invocation that changed a collection.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Operation  string
	Parameters string
	Status     string
}

// CreateOperation records the start of an operation and returns its id.
func (s *SQLiteDatabase) CreateOperation(ctx context.Context, operation, parameters string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (started_at, operation, parameters) VALUES (?, ?, ?)`,
		s.now().UTC().Format(time.RFC3339), operation, parameters)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	return id, nil
}

// FinishOperation stamps the end time and final status of an operation.
func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		s.now().UTC().Format(time.RFC3339), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, operation, parameters, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var started string
		var finished sql.NullString
		if err := rows.Scan(&op.ID, &started, &finished, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if op.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("operation %d: started_at: %w", op.ID, err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339, finished.String)
			if err != nil {
				return nil, fmt.Errorf("operation %d: finished_at: %w", op.ID, err)
			}
			op.FinishedAt = &t
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
