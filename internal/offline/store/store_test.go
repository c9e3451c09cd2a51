package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db, dbPath
}

func newTestOp(path string, payload string) *model.Operation {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return model.NewOperation(model.KindUpdate, path, raw, "user-1")
}

func TestOpen_CreatesSchema(t *testing.T) {
	db, _ := setupTestDB(t)

	stats, err := db.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Operations != 0 || stats.CacheItems != 0 || stats.Conflicts != 0 {
		t.Errorf("expected empty stores, got %+v", stats)
	}

	// Idempotent
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestOperations_InsertListOrder(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		op := newTestOp(fmt.Sprintf("/api/farmers/%d", i), `{"n":1}`)
		if _, err := db.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation %d failed: %v", i, err)
		}
	}

	ops, err := db.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("expected 5 operations, got %d", len(ops))
	}
	for i, op := range ops {
		want := fmt.Sprintf("/api/farmers/%d", i)
		if op.Path != want {
			t.Errorf("position %d: expected %s, got %s", i, want, op.Path)
		}
		if i > 0 && op.Seq <= ops[i-1].Seq {
			t.Errorf("sequence not increasing at %d", i)
		}
	}
}

func TestOperations_SurviveReopen(t *testing.T) {
	db, path := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp("/api/farmers/1", `{"name":"A"}`)
	if _, err := db.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation after reopen failed: %v", err)
	}
	if string(got.Payload) != `{"name":"A"}` {
		t.Errorf("payload mismatch: %s", got.Payload)
	}
	if !got.CreatedAt.Equal(op.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, op.CreatedAt)
	}
}

func TestOperations_UpdateAndDelete(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp("/api/farmers/1", `{"a":1}`)
	if _, err := db.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}

	op.Retries = 2
	op.Status = model.StatusRetrying
	if err := db.UpdateOperation(ctx, op); err != nil {
		t.Fatalf("UpdateOperation failed: %v", err)
	}

	got, err := db.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if got.Retries != 2 || got.Status != model.StatusRetrying {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := db.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatalf("DeleteOperation failed: %v", err)
	}
	if _, err := db.GetOperation(ctx, op.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Idempotent delete
	if err := db.DeleteOperation(ctx, op.ID); err != nil {
		t.Errorf("second delete failed: %v", err)
	}

	if err := db.UpdateOperation(ctx, op); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound updating removed op, got %v", err)
	}
}

func TestOperations_RejectInvalid(t *testing.T) {
	db, _ := setupTestDB(t)

	op := newTestOp("relative/path", "")
	if _, err := db.InsertOperation(context.Background(), op); err == nil {
		t.Error("expected validation error")
	}
}

func TestLatestOperationTime(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	latest, err := db.LatestOperationTime(ctx)
	if err != nil {
		t.Fatalf("LatestOperationTime failed: %v", err)
	}
	if !latest.IsZero() {
		t.Errorf("expected zero time on empty queue, got %v", latest)
	}

	op := newTestOp("/api/x/1", "")
	op.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	if _, err := db.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}

	latest, err = db.LatestOperationTime(ctx)
	if err != nil {
		t.Fatalf("LatestOperationTime failed: %v", err)
	}
	if !latest.Equal(op.CreatedAt) {
		t.Errorf("expected %v, got %v", op.CreatedAt, latest)
	}
}

func TestOperationSeq_OnlyGrows(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	seq, err := db.OperationSeq(ctx)
	if err != nil {
		t.Fatalf("OperationSeq failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected 0 before any insert, got %d", seq)
	}

	op := newTestOp("/api/x/1", "")
	if _, err := db.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}
	first, _ := db.OperationSeq(ctx)
	if first <= seq {
		t.Fatalf("expected sequence to grow after insert, got %d", first)
	}

	if err := db.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	afterDelete, _ := db.OperationSeq(ctx)
	if afterDelete != first {
		t.Errorf("delete changed the sequence: %d -> %d", first, afterDelete)
	}
}

func TestCache_PutGetInvalidate(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, key := range []string{"/api/farmers", "/api/farmers/1", "/api/farmers/2", "/api/plots/1"} {
		entry := &model.CacheEntry{Key: key, Payload: json.RawMessage(`{"k":"` + key + `"}`), WrittenAt: now}
		if err := db.PutCacheEntry(ctx, entry); err != nil {
			t.Fatalf("PutCacheEntry %s failed: %v", key, err)
		}
	}

	got, err := db.GetCacheEntry(ctx, "/api/farmers/1")
	if err != nil {
		t.Fatalf("GetCacheEntry failed: %v", err)
	}
	if string(got.Payload) != `{"k":"/api/farmers/1"}` {
		t.Errorf("unexpected payload %s", got.Payload)
	}

	n, err := db.DeleteCachePrefix(ctx, "/api/farmers")
	if err != nil {
		t.Fatalf("DeleteCachePrefix failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 invalidated, got %d", n)
	}

	if _, err := db.GetCacheEntry(ctx, "/api/farmers/1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.GetCacheEntry(ctx, "/api/plots/1"); err != nil {
		t.Errorf("unrelated entry removed: %v", err)
	}
}

func TestCache_PrefixIsLiteral(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	entry := &model.CacheEntry{Key: "/api/a_b", Payload: json.RawMessage(`1`), WrittenAt: time.Now()}
	if err := db.PutCacheEntry(ctx, entry); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}

	n, err := db.DeleteCachePrefix(ctx, "/api/a%")
	if err != nil {
		t.Fatalf("DeleteCachePrefix failed: %v", err)
	}
	if n != 0 {
		t.Errorf("wildcard characters must not match, removed %d", n)
	}
}

func TestCache_PutReplaces(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	if err := db.PutCacheEntry(ctx, &model.CacheEntry{Key: "/k", Payload: json.RawMessage(`1`), WrittenAt: old}); err != nil {
		t.Fatal(err)
	}
	fresh := time.Now().UTC()
	if err := db.PutCacheEntry(ctx, &model.CacheEntry{Key: "/k", Payload: json.RawMessage(`2`), WrittenAt: fresh}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetCacheEntry(ctx, "/k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "2" || !got.WrittenAt.Equal(fresh) {
		t.Errorf("entry not replaced: %s at %v", got.Payload, got.WrittenAt)
	}
}

func TestEscalateAndRequeueConflict(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp("/api/farmers/7", `{"name":"A"}`)
	if _, err := db.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}

	c := &model.Conflict{Operation: op, Server: json.RawMessage(`{"name":"B"}`), Strategy: model.StrategyManual}
	if err := db.EscalateOperation(ctx, c); err != nil {
		t.Fatalf("EscalateOperation failed: %v", err)
	}

	count, _ := db.CountOperations(ctx)
	if count != 0 {
		t.Errorf("expected escalated op removed from queue, count=%d", count)
	}

	conflicts, err := db.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Operation.ID != op.ID || string(conflicts[0].Server) != `{"name":"B"}` {
		t.Errorf("unexpected conflict %+v", conflicts[0])
	}
	if conflicts[0].Operation.Status != model.StatusManualPending {
		t.Errorf("expected manual_pending status, got %s", conflicts[0].Operation.Status)
	}

	replacement := newTestOp(op.Path, `{"name":"C"}`)
	if _, err := db.RequeueConflict(ctx, op.ID, replacement); err != nil {
		t.Fatalf("RequeueConflict failed: %v", err)
	}

	if _, err := db.GetConflict(ctx, op.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected conflict removed, got %v", err)
	}
	if _, err := db.GetOperation(ctx, replacement.ID); err != nil {
		t.Errorf("replacement not queued: %v", err)
	}

	if _, err := db.RequeueConflict(ctx, op.ID, newTestOp(op.Path, "")); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown conflict, got %v", err)
	}
}

func TestDeleteConflict_NotFound(t *testing.T) {
	db, _ := setupTestDB(t)

	if err := db.DeleteConflict(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMeta(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.GetMeta(ctx, "last_sync"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.SetMeta(ctx, "last_sync", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta(ctx, "last_sync", "2"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMeta(ctx, "last_sync")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2" {
		t.Errorf("expected 2, got %s", v)
	}
}

func TestCredentials(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC()
	if err := db.PutCredential(ctx, &Credential{UserID: "u1", Token: "tok", ExpiresAt: expires}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetCredential(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != "tok" || !c.ExpiresAt.Equal(expires) {
		t.Errorf("unexpected credential %+v", c)
	}
	if c.Expired(time.Now()) {
		t.Error("credential should not be expired yet")
	}
	if !c.Expired(expires.Add(time.Second)) {
		t.Error("credential should be expired after expiry")
	}

	if err := db.DeleteCredential(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetCredential(ctx, "u1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQuotaExceeded(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "small.db")
	opts := DefaultOptions()
	opts.MaxPages = 16
	db, err := OpenWithOptions(dbPath, opts)
	if err != nil {
		t.Fatalf("OpenWithOptions failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	big := make([]byte, 0, 8192)
	big = append(big, '"')
	for i := 0; i < 8000; i++ {
		big = append(big, 'x')
	}
	big = append(big, '"')

	var lastErr error
	for i := 0; i < 200; i++ {
		op := newTestOp(fmt.Sprintf("/api/blob/%d", i), string(big))
		if _, lastErr = db.InsertOperation(ctx, op); lastErr != nil {
			break
		}
	}
	if !errors.Is(lastErr, model.ErrStorageQuotaExceeded) {
		t.Fatalf("expected ErrStorageQuotaExceeded, got %v", lastErr)
	}
}
