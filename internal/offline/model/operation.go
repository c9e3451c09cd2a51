// Package model provides the data structures shared by the offline sync subsystem.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the mutation an Operation replays against the remote service.
type Kind string

const (
	// KindCreate replays as an insert call (POST).
	KindCreate Kind = "create"
	// KindUpdate replays as a partial-update call (PATCH).
	KindUpdate Kind = "update"
	// KindDelete replays as a delete call (DELETE).
	KindDelete Kind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	default:
		return false
	}
}

// Status tracks an Operation through a sync pass.
//
//	Pending -> InFlight -> Committed
//	                    -> Conflicted -> Committed | ManualPending
//	                    -> Retrying -> InFlight
//	                    -> Failed
type Status string

const (
	StatusPending       Status = "pending"
	StatusInFlight      Status = "in_flight"
	StatusRetrying      Status = "retrying"
	StatusConflicted    Status = "conflicted"
	StatusManualPending Status = "manual_pending"
	StatusCommitted     Status = "committed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether an operation in this status has left the active queue.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusManualPending:
		return true
	default:
		return false
	}
}

// Operation is a queued create/update/delete awaiting confirmation by the remote service.
type Operation struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Path      string          `json:"path"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`
	UserID    string          `json:"user_id"`
	Status    Status          `json:"status"`

	// Seq is the durable insertion sequence assigned by the store.
	// It breaks ties between operations created within the same clock tick.
	Seq int64 `json:"seq,omitempty"`
}

// NewOperation builds a Pending operation with a fresh id and creation time.
func NewOperation(kind Kind, path string, payload json.RawMessage, userID string) *Operation {
	return &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Path:      path,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
		Status:    StatusPending,
	}
}

// Validate checks if the Operation has valid field values.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", o.Kind)
	}
	if o.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(o.Path, "/") {
		return fmt.Errorf("path must be absolute (got %q)", o.Path)
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if o.Retries < 0 {
		return fmt.Errorf("retries must not be negative (got %d)", o.Retries)
	}
	if len(o.Payload) > 0 && !json.Valid(o.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching queue state.
func (o *Operation) Clone() *Operation {
	c := *o
	if o.Payload != nil {
		c.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	return &c
}

// ResourcePrefix returns the collection prefix used for cache invalidation.
// "/api/farmers/42" maps to "/api/farmers".
func ResourcePrefix(path string) string {
	p := strings.SplitN(path, "?", 2)[0]
	parts := strings.Split(strings.TrimSuffix(p, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "/")
}
