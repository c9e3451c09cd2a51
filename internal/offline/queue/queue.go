// Package queue provides the durable operation queue.
//
// The queue is shared by the facade (Enqueue) and the sync orchestrator
// (Remove, Update, Escalate). All mutations are serialized by one mutex and
// written through to the store before they return, so an enqueue that lands
// mid-pass is never lost and a restart observes exactly what was acknowledged.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/store"
)

// Queue is the durable, ordered list of unconfirmed operations.
type Queue struct {
	db     *store.DB
	logger *log.Logger

	mu sync.Mutex
	// lastCreated keeps creation timestamps non-decreasing so timestamp order
	// and insertion order never disagree, even if the wall clock steps back.
	lastCreated time.Time

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// New attaches a queue to an open store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(ctx context.Context, db *store.DB, logger *log.Logger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	latest, err := db.LatestOperationTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}

	return &Queue{
		db:          db,
		logger:      logger,
		lastCreated: latest,
		subs:        make(map[int]chan struct{}),
	}, nil
}

// Enqueue appends op and persists it before returning.
func (q *Queue) Enqueue(ctx context.Context, op *model.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.clampCreatedAt(ctx, op); err != nil {
		return err
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}

	seq, err := q.db.InsertOperation(ctx, op)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", op.Kind, op.Path, err)
	}
	op.Seq = seq
	q.lastCreated = op.CreatedAt

	q.logger.Printf("Queued %s %s (id=%s)", op.Kind, op.Path, op.ID)
	q.notify()
	return nil
}

// clampCreatedAt raises op.CreatedAt to the newest creation time in the store.
// Other processes may enqueue into the same store, so the stored maximum is
// re-read on every insert. Callers hold q.mu.
func (q *Queue) clampCreatedAt(ctx context.Context, op *model.Operation) error {
	latest, err := q.db.LatestOperationTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue state: %w", err)
	}
	if latest.After(q.lastCreated) {
		q.lastCreated = latest
	}
	if op.CreatedAt.Before(q.lastCreated) {
		op.CreatedAt = q.lastCreated
	}
	return nil
}

// Snapshot returns the current queue in replay order without removing anything.
// The returned operations are copies.
func (q *Queue) Snapshot(ctx context.Context) ([]*model.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.db.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	return ops, nil
}

// Remove deletes an operation and persists the removal.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.DeleteOperation(ctx, id); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Update persists the retry count, status and payload of a queued operation.
func (q *Queue) Update(ctx context.Context, op *model.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.UpdateOperation(ctx, op)
}

// Escalate moves the conflict's operation into the manual conflict store.
func (q *Queue) Escalate(ctx context.Context, c *model.Conflict) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.EscalateOperation(ctx, c); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Requeue replaces a stored manual conflict with a fresh operation.
func (q *Queue) Requeue(ctx context.Context, conflictID string, op *model.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.clampCreatedAt(ctx, op); err != nil {
		return err
	}
	seq, err := q.db.RequeueConflict(ctx, conflictID, op)
	if err != nil {
		return err
	}
	op.Seq = seq
	q.lastCreated = op.CreatedAt

	q.logger.Printf("Requeued conflict %s as %s", conflictID, op.ID)
	q.notify()
	return nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.CountOperations(ctx)
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.ClearOperations(ctx); err != nil {
		return err
	}
	q.logger.Printf("Queue cleared")
	q.notify()
	return nil
}

// Subscribe returns a channel that receives a value after every change to the
// queue. Signals coalesce: a slow reader sees at most one pending signal.
// Call cancel to stop receiving.
func (q *Queue) Subscribe() (ch <-chan struct{}, cancel func()) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	id := q.nextID
	q.nextID++
	c := make(chan struct{}, 1)
	q.subs[id] = c

	return c, func() {
		q.subsMu.Lock()
		defer q.subsMu.Unlock()
		delete(q.subs, id)
	}
}

// Notify signals subscribers that the queue changed outside this process.
func (q *Queue) Notify() {
	q.notify()
}

func (q *Queue) notify() {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	for _, c := range q.subs {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}
