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

// SaveConflict stores an escalated conflict keyed by its operation id.
func (db *DB) SaveConflict(ctx context.Context, c *model.Conflict) error {
	return saveConflict(ctx, db.conn, c)
}

func saveConflict(ctx context.Context, x execer, c *model.Conflict) error {
	if c.Operation == nil {
		return fmt.Errorf("conflict has no operation")
	}
	if c.StoredAt.IsZero() {
		c.StoredAt = time.Now().UTC()
	}

	opJSON, err := encodeOperation(c.Operation)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO manual_conflicts (operation_id, operation, server, strategy, stored_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(operation_id) DO UPDATE SET
		operation = excluded.operation,
		server = excluded.server,
		strategy = excluded.strategy,
		stored_at = excluded.stored_at
	`
	_, err = x.ExecContext(ctx, query,
		c.Operation.ID,
		opJSON,
		nullString(c.Server),
		string(c.Strategy),
		nanos(c.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.Operation.ID, classify(err))
	}
	return nil
}

// ListConflicts returns stored manual conflicts, oldest first.
func (db *DB) ListConflicts(ctx context.Context) ([]*model.Conflict, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT operation, server, strategy, stored_at FROM manual_conflicts ORDER BY stored_at, operation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", err)
	}
	return out, nil
}

// GetConflict returns a stored conflict, or model.ErrNotFound.
func (db *DB) GetConflict(ctx context.Context, operationID string) (*model.Conflict, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT operation, server, strategy, stored_at FROM manual_conflicts WHERE operation_id = ?`, operationID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return c, err
}

// DeleteConflict removes a stored conflict.
// Returns model.ErrNotFound if nothing was stored under operationID.
func (db *DB) DeleteConflict(ctx context.Context, operationID string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM manual_conflicts WHERE operation_id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("failed to delete conflict %s: %w", operationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", operationID, model.ErrNotFound)
	}
	return nil
}

func scanConflict(s scanner) (*model.Conflict, error) {
	var (
		opJSON   string
		server   sql.NullString
		strategy string
		storedAt int64
	)
	if err := s.Scan(&opJSON, &server, &strategy, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	var op model.Operation
	if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
		return nil, fmt.Errorf("failed to decode conflicted operation: %w", err)
	}
	op.Status = model.StatusManualPending

	return &model.Conflict{
		Operation: &op,
		Server:    rawFromNull(server),
		Strategy:  model.Strategy(strategy),
		Escalated: true,
		StoredAt:  fromNanos(storedAt),
	}, nil
}
