package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agritrace/offsync/internal/offline/model"
)

// PendingConflicts lists escalated conflicts awaiting an external decision,
// oldest first.
func (o *Orchestrator) PendingConflicts(ctx context.Context) ([]*model.Conflict, error) {
	return o.store.ListConflicts(ctx)
}

// ResolveManualConflict replaces the escalated conflict for operationID with a
// fresh operation carrying payload (same kind, path and user, retry count 0)
// and requests a pass if online.
//
// A nil payload replays the operation's original payload.
func (o *Orchestrator) ResolveManualConflict(ctx context.Context, operationID string, payload json.RawMessage) (*model.Operation, error) {
	c, err := o.store.GetConflict(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", operationID, err)
	}
	if payload == nil {
		payload = c.Operation.Payload
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("resolved payload for %s: %w", operationID, model.ErrSerialization)
	}

	op := model.NewOperation(c.Operation.Kind, c.Operation.Path, payload, c.Operation.UserID)
	if err := o.queue.Requeue(ctx, operationID, op); err != nil {
		return nil, fmt.Errorf("failed to requeue conflict %s: %w", operationID, err)
	}
	o.logger.Printf("Manual conflict %s resolved, requeued as %s", operationID, op.ID)

	if o.monitor.Online() {
		o.Request()
	}
	return op, nil
}

// DiscardManualConflict drops an escalated conflict without replaying it.
func (o *Orchestrator) DiscardManualConflict(ctx context.Context, operationID string) error {
	if err := o.store.DeleteConflict(ctx, operationID); err != nil {
		return err
	}
	o.logger.Printf("Manual conflict %s discarded", operationID)
	return nil
}
