package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
)

const operationColumns = `seq, id, kind, path, payload, created_at, retries, user_id, status`

// InsertOperation appends an operation to the queue table and returns its sequence.
func (db *DB) InsertOperation(ctx context.Context, op *model.Operation) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("invalid operation: %w", err)
	}
	return insertOperation(ctx, db.conn, op)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOperation(ctx context.Context, x execer, op *model.Operation) (int64, error) {
	query := `
	INSERT INTO operations (id, kind, path, payload, created_at, retries, user_id, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := x.ExecContext(ctx, query,
		op.ID,
		string(op.Kind),
		op.Path,
		nullString(op.Payload),
		nanos(op.CreatedAt),
		op.Retries,
		op.UserID,
		string(op.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation %s: %w", op.ID, classify(err))
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for %s: %w", op.ID, err)
	}
	return seq, nil
}

// ListOperations returns every queued operation in insertion order.
func (db *DB) ListOperations(ctx context.Context) ([]*model.Operation, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

// GetOperation returns one queued operation, or model.ErrNotFound.
func (db *DB) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return op, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*model.Operation, error) {
	var (
		op        model.Operation
		kind      string
		status    string
		payload   sql.NullString
		createdAt int64
	)
	if err := s.Scan(&op.Seq, &op.ID, &kind, &op.Path, &payload, &createdAt, &op.Retries, &op.UserID, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	op.Kind = model.Kind(kind)
	op.Status = model.Status(status)
	op.Payload = rawFromNull(payload)
	op.CreatedAt = fromNanos(createdAt)
	return &op, nil
}

// UpdateOperation persists retry count, status and payload for a queued operation.
func (db *DB) UpdateOperation(ctx context.Context, op *model.Operation) error {
	query := `UPDATE operations SET retries = ?, status = ?, payload = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, op.Retries, string(op.Status), nullString(op.Payload), op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, model.ErrNotFound)
	}
	return nil
}

// DeleteOperation removes an operation from the queue.
// Returns nil if the operation doesn't exist (idempotent).
func (db *DB) DeleteOperation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// CountOperations returns the queue length.
func (db *DB) CountOperations(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return count, nil
}

// LatestOperationTime returns the newest created_at in the queue, or the zero time.
func (db *DB) LatestOperationTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(created_at) FROM operations`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest operation time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return fromNanos(latest.Int64), nil
}

// OperationSeq returns the highest sequence number ever assigned to a queued
// operation. It only grows, so a change means some process enqueued.
func (db *DB) OperationSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT seq FROM sqlite_sequence WHERE name = 'operations'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read operation sequence: %w", err)
	}
	return seq, nil
}

// ClearOperations empties the queue.
func (db *DB) ClearOperations(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	return nil
}

// EscalateOperation moves an operation from the queue into the manual conflict
// store in one transaction.
func (db *DB) EscalateOperation(ctx context.Context, c *model.Conflict) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveConflict(ctx, tx, c); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, c.Operation.ID); err != nil {
		return fmt.Errorf("failed to remove escalated operation %s: %w", c.Operation.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// RequeueConflict removes a manual conflict and enqueues its replacement
// operation in one transaction. Returns model.ErrNotFound if no conflict is
// stored under conflictID.
func (db *DB) RequeueConflict(ctx context.Context, conflictID string, op *model.Operation) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("invalid operation: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM manual_conflicts WHERE operation_id = ?`, conflictID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove conflict %s: %w", conflictID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("conflict %s: %w", conflictID, model.ErrNotFound)
	}

	seq, err := insertOperation(ctx, tx, op)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return seq, nil
}

// encodeOperation is used for the JSON column of manual_conflicts.
func encodeOperation(op *model.Operation) (string, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation: %w", err)
	}
	return string(b), nil
}
