// Package backup exports and imports the durable queue and the manual
// conflict store as JSONL, one record per line.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/store"
)

// RecordKind distinguishes the two record types in a backup file.
type RecordKind string

const (
	RecordOperation RecordKind = "operation"
	RecordConflict  RecordKind = "conflict"
)

// maxLine bounds one JSONL record; payloads are resource bodies, not blobs.
const maxLine = 16 << 20

// Record is one line of a backup file. Exactly one of Operation or Conflict is set.
type Record struct {
	Kind      RecordKind       `json:"kind"`
	Operation *model.Operation `json:"operation,omitempty"`
	Conflict  *model.Conflict  `json:"conflict,omitempty"`
}

// Result contains statistics about an export or import
type Result struct {
	Operations int
	Conflicts  int
	Skipped    int
	Errors     []string
}

// ImportOptions contains configuration for Import
type ImportOptions struct {
	DryRun bool // Parse and count without writing
}

// Export writes every queued operation followed by every stored conflict to w.
func Export(ctx context.Context, db *store.DB, w io.Writer) (*Result, error) {
	ops, err := db.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := db.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	enc := json.NewEncoder(w)
	for _, op := range ops {
		if err := enc.Encode(Record{Kind: RecordOperation, Operation: op}); err != nil {
			return nil, fmt.Errorf("failed to write operation %s: %w", op.ID, err)
		}
		result.Operations++
	}
	for _, c := range conflicts {
		if err := enc.Encode(Record{Kind: RecordConflict, Conflict: c}); err != nil {
			return nil, fmt.Errorf("failed to write conflict %s: %w", c.Operation.ID, err)
		}
		result.Conflicts++
	}
	return result, nil
}

// ExportFile writes a backup to path atomically via a temp file.
func ExportFile(ctx context.Context, db *store.DB, path string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	result, err := Export(ctx, db, bw)
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Import reads records from r into db. Operations and conflicts whose id is
// already present are skipped, so importing the same file twice is harmless.
// Malformed lines abort the import; invalid records are reported in
// Result.Errors and skipped.
func Import(ctx context.Context, db *store.DB, r io.Reader, opts ImportOptions) (*Result, error) {
	result := &Result{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}

		var err error
		switch rec.Kind {
		case RecordOperation:
			err = importOperation(ctx, db, rec.Operation, opts, result)
		case RecordConflict:
			err = importConflict(ctx, db, rec.Conflict, opts, result)
		default:
			err = fmt.Errorf("unknown record kind %q", rec.Kind)
		}
		if err != nil {
			if errors.Is(err, model.ErrStorageQuotaExceeded) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read backup at line %d: %w", lineNum+1, err)
	}
	return result, nil
}

// ImportFile imports the backup at path.
func ImportFile(ctx context.Context, db *store.DB, path string, opts ImportOptions) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()
	return Import(ctx, db, f, opts)
}

func importOperation(ctx context.Context, db *store.DB, op *model.Operation, opts ImportOptions, result *Result) error {
	if op == nil {
		return fmt.Errorf("operation record without operation")
	}
	if err := op.Validate(); err != nil {
		return err
	}
	if _, err := db.GetOperation(ctx, op.ID); err == nil {
		result.Skipped++
		return nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if !opts.DryRun {
		op.Seq = 0
		if _, err := db.InsertOperation(ctx, op); err != nil {
			return err
		}
	}
	result.Operations++
	return nil
}

func importConflict(ctx context.Context, db *store.DB, c *model.Conflict, opts ImportOptions, result *Result) error {
	if c == nil || c.Operation == nil {
		return fmt.Errorf("conflict record without operation")
	}
	if _, err := db.GetConflict(ctx, c.Operation.ID); err == nil {
		result.Skipped++
		return nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if !opts.DryRun {
		if c.StoredAt.IsZero() {
			c.StoredAt = time.Now().UTC()
		}
		if err := db.SaveConflict(ctx, c); err != nil {
			return err
		}
	}
	result.Conflicts++
	return nil
}
