package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openStore(t *testing.T, name string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *store.DB) ([]*model.Operation, *model.Conflict) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	var ops []*model.Operation
	for i, path := range []string{"/api/farmers", "/api/farmers/7", "/api/plots/3"} {
		op := model.NewOperation(model.KindUpdate, path, json.RawMessage(`{"n":1}`), "officer-1")
		op.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := db.InsertOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}

	c := &model.Conflict{
		Operation: model.NewOperation(model.KindUpdate, "/api/farmers/9", json.RawMessage(`{"name":"B"}`), "officer-1"),
		Server:    json.RawMessage(`{"deleted":true}`),
		Strategy:  model.StrategyManual,
		Escalated: true,
		StoredAt:  base,
	}
	c.Operation.CreatedAt = base
	if err := db.SaveConflict(ctx, c); err != nil {
		t.Fatal(err)
	}
	return ops, c
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	ops, _ := seed(t, src)

	path := filepath.Join(t.TempDir(), "out", "queue.jsonl")
	exported, err := ExportFile(ctx, src, path)
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if exported.Operations != 3 || exported.Conflicts != 1 {
		t.Fatalf("unexpected export counts: %+v", exported)
	}

	dst := openStore(t, "dst.db")
	imported, err := ImportFile(ctx, dst, path, ImportOptions{})
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if imported.Operations != 3 || imported.Conflicts != 1 || len(imported.Errors) != 0 {
		t.Fatalf("unexpected import counts: %+v", imported)
	}

	got, err := dst.ListOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	opt := cmpopts.IgnoreFields(model.Operation{}, "Seq")
	if diff := cmp.Diff(ops, got, opt, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("operations differ after round trip (-want +got):\n%s", diff)
	}

	conflicts, err := dst.ListConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0].Operation.Path != "/api/farmers/9" {
		t.Errorf("unexpected conflicts after import: %+v", conflicts)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seed(t, src)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	dst := openStore(t, "dst.db")
	if _, err := Import(ctx, dst, bytes.NewReader(data), ImportOptions{}); err != nil {
		t.Fatal(err)
	}
	again, err := Import(ctx, dst, bytes.NewReader(data), ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Operations != 0 || again.Conflicts != 0 || again.Skipped != 4 {
		t.Errorf("second import should skip everything: %+v", again)
	}
	if n, _ := dst.CountOperations(ctx); n != 3 {
		t.Errorf("expected 3 operations, got %d", n)
	}
}

func TestImportDryRun(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seed(t, src)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf); err != nil {
		t.Fatal(err)
	}

	dst := openStore(t, "dst.db")
	res, err := Import(ctx, dst, &buf, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operations != 3 || res.Conflicts != 1 {
		t.Errorf("dry run should count records: %+v", res)
	}
	if n, _ := dst.CountOperations(ctx); n != 0 {
		t.Errorf("dry run wrote %d operations", n)
	}
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		input      string
		wantErr    bool
		wantErrors int
		wantOps    int
	}{
		{
			name:    "malformed line aborts",
			input:   "{not json}\n",
			wantErr: true,
		},
		{
			name: "unknown kind reported",
			input: `{"kind":"widget"}` + "\n" +
				`{"kind":"operation","operation":{"id":"a","kind":"create","path":"/api/x","created_at":"2026-01-01T00:00:00Z","status":"pending"}}` + "\n",
			wantErrors: 1,
			wantOps:    1,
		},
		{
			name:       "invalid operation reported",
			input:      `{"kind":"operation","operation":{"id":"b","kind":"upsert","path":"/api/x","created_at":"2026-01-01T00:00:00Z"}}` + "\n",
			wantErrors: 1,
		},
		{
			name:       "conflict without operation reported",
			input:      `{"kind":"conflict","conflict":{"strategy":"manual"}}` + "\n",
			wantErrors: 1,
		},
		{
			name:  "blank lines ignored",
			input: "\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openStore(t, "import.db")
			res, err := Import(ctx, db, strings.NewReader(tt.input), ImportOptions{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Errors) != tt.wantErrors {
				t.Errorf("errors = %v, want %d", res.Errors, tt.wantErrors)
			}
			if res.Operations != tt.wantOps {
				t.Errorf("operations = %d, want %d", res.Operations, tt.wantOps)
			}
		})
	}
}
