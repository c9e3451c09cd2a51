package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/store"
)

func setupQueue(t *testing.T) (*Queue, *store.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := New(context.Background(), db, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q, db, path
}

func TestEnqueue_PersistsAcrossRestart(t *testing.T) {
	q, db, path := setupQueue(t)
	ctx := context.Background()

	op := model.NewOperation(model.KindCreate, "/api/farmers", json.RawMessage(`{"name":"A"}`), "u1")
	if err := q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected length 1, got %d", n)
	}

	// Simulated restart
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db2, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	q2, err := New(ctx, db2, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	ops, err := q2.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].ID != op.ID {
		t.Fatalf("operation lost across restart: %+v", ops)
	}
}

func TestEnqueue_OrderSurvivesClockSkew(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	first := model.NewOperation(model.KindUpdate, "/api/farmers/1", json.RawMessage(`{"v":1}`), "u1")
	second := model.NewOperation(model.KindUpdate, "/api/farmers/1", json.RawMessage(`{"v":2}`), "u1")
	// Clock stepped backwards between the two writes.
	second.CreatedAt = first.CreatedAt.Add(-time.Minute)

	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatal(err)
	}

	ops, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(ops))
	}
	if ops[0].ID != first.ID || ops[1].ID != second.ID {
		t.Errorf("insertion order not preserved")
	}
	if ops[1].CreatedAt.Before(ops[0].CreatedAt) {
		t.Errorf("creation timestamps went backwards: %v then %v", ops[0].CreatedAt, ops[1].CreatedAt)
	}
}

func TestEnqueue_ClampSeesOtherProcesses(t *testing.T) {
	q1, _, path := setupQueue(t)
	ctx := context.Background()

	// A second handle on the same file stands in for another process.
	db2, err := store.Open(path)
	if err != nil {
		t.Fatalf("failed to open second handle: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	q2, err := New(ctx, db2, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}

	ahead := model.NewOperation(model.KindCreate, "/api/farmers", json.RawMessage(`{"v":1}`), "u1")
	ahead.CreatedAt = time.Now().Add(time.Hour)
	if err := q2.Enqueue(ctx, ahead); err != nil {
		t.Fatal(err)
	}

	later := model.NewOperation(model.KindCreate, "/api/farmers", json.RawMessage(`{"v":2}`), "u1")
	if err := q1.Enqueue(ctx, later); err != nil {
		t.Fatal(err)
	}
	if later.CreatedAt.Before(ahead.CreatedAt) {
		t.Errorf("created_at %v precedes the other handle's %v", later.CreatedAt, ahead.CreatedAt)
	}

	ops, err := q1.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[0].ID != ahead.ID || ops[1].ID != later.ID {
		t.Fatalf("unexpected snapshot order")
	}
	if ops[1].CreatedAt.Before(ops[0].CreatedAt) {
		t.Errorf("timestamp order disagrees with insertion order: %v then %v", ops[0].CreatedAt, ops[1].CreatedAt)
	}
}

func TestRemoveAndUpdate(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	op := model.NewOperation(model.KindDelete, "/api/farmers/3", nil, "u1")
	if err := q.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	op.Retries = 1
	op.Status = model.StatusRetrying
	if err := q.Update(ctx, op); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	ops, _ := q.Snapshot(ctx)
	if ops[0].Retries != 1 {
		t.Errorf("expected retries 1, got %d", ops[0].Retries)
	}

	if err := q.Remove(ctx, op.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestConcurrentEnqueueAndRemove(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	seed := make([]*model.Operation, 10)
	for i := range seed {
		seed[i] = model.NewOperation(model.KindUpdate, fmt.Sprintf("/api/a/%d", i), nil, "u1")
		if err := q.Enqueue(ctx, seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, op := range seed {
			if err := q.Remove(ctx, op.ID); err != nil {
				t.Errorf("Remove failed: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			op := model.NewOperation(model.KindCreate, fmt.Sprintf("/api/b/%d", i), nil, "u1")
			if err := q.Enqueue(ctx, op); err != nil {
				t.Errorf("Enqueue failed: %v", err)
			}
		}
	}()
	wg.Wait()

	ops, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 10 {
		t.Fatalf("expected 10 surviving enqueues, got %d", len(ops))
	}
	for i, op := range ops {
		if want := fmt.Sprintf("/api/b/%d", i); op.Path != want {
			t.Errorf("position %d: expected %s, got %s", i, want, op.Path)
		}
	}
}

func TestSubscribe_Coalesces(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	ch, cancel := q.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		op := model.NewOperation(model.KindCreate, "/api/x", nil, "u1")
		if err := q.Enqueue(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change signal")
	}

	select {
	case <-ch:
		t.Fatal("signals should coalesce into one")
	default:
	}

	cancel()
	if err := q.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
		t.Fatal("cancelled subscriber received a signal")
	default:
	}
}

func TestEscalateAndRequeue(t *testing.T) {
	q, db, _ := setupQueue(t)
	ctx := context.Background()

	op := model.NewOperation(model.KindUpdate, "/api/farmers/9", json.RawMessage(`{"a":1}`), "u1")
	if err := q.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	if err := q.Escalate(ctx, &model.Conflict{Operation: op, Strategy: model.StrategyManual}); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("expected empty queue after escalate, got %d", n)
	}

	next := model.NewOperation(op.Kind, op.Path, json.RawMessage(`{"a":2}`), op.UserID)
	if err := q.Requeue(ctx, op.ID, next); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("expected 1 queued op after requeue, got %d", n)
	}
	stats, _ := db.GetStats(ctx)
	if stats.Conflicts != 0 {
		t.Errorf("expected conflict store empty, got %d", stats.Conflicts)
	}
}
