package model

import (
	"encoding/json"
	"time"
)

// Strategy selects how a conflict between local and server payloads is resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client-wins"
	StrategyServerWins Strategy = "server-wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Conflict records a divergence reported by the remote service during a pass.
type Conflict struct {
	Operation *Operation      `json:"operation"`
	Server    json.RawMessage `json:"server,omitempty"`
	Strategy  Strategy        `json:"strategy"`

	// Resolved is the payload resubmitted after resolution. It is unset when
	// the conflict was escalated.
	Resolved  json.RawMessage `json:"resolved,omitempty"`
	Escalated bool            `json:"escalated"`

	// StoredAt is set once the conflict is persisted in the manual conflict store.
	StoredAt time.Time `json:"stored_at,omitempty"`
}

// OperationError is a terminal failure for one operation.
type OperationError struct {
	Operation *Operation `json:"operation"`
	Reason    string     `json:"reason"`
	Err       error      `json:"-"`
}

// SyncResult is produced once per completed pass.
type SyncResult struct {
	Success   bool              `json:"success"`
	Conflicts []*Conflict       `json:"conflicts"`
	Errors    []*OperationError `json:"errors"`

	// Bookkeeping for observers; not part of the success decision.
	Committed     int           `json:"committed"`
	Retrying      int           `json:"retrying"`
	Invalidations int           `json:"invalidations"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`

	// Skipped is true for trivial results returned without running a pass.
	Skipped bool `json:"skipped,omitempty"`
}

// NewSyncResult returns an empty successful result.
func NewSyncResult() *SyncResult {
	return &SyncResult{
		Success:   true,
		Conflicts: []*Conflict{},
		Errors:    []*OperationError{},
	}
}

// CacheEntry is a last-known-good snapshot of a remote resource.
type CacheEntry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e *CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.WrittenAt) < ttl
}

// Result is returned by the facade. It is either Confirmed by the server
// (or a confirmed cache snapshot) or Provisional, synthesized locally.
type Result interface {
	Payload() json.RawMessage
	isResult()
}

// Confirmed carries a server-confirmed representation.
type Confirmed struct {
	Data json.RawMessage

	// FromCache is set when the value came from the local cache instead of a live read.
	FromCache bool
	CachedAt  time.Time
}

// Provisional carries an optimistic representation for a queued operation.
type Provisional struct {
	Data        json.RawMessage
	OperationID string
}

func (c Confirmed) Payload() json.RawMessage   { return c.Data }
func (p Provisional) Payload() json.RawMessage { return p.Data }

func (Confirmed) isResult()   {}
func (Provisional) isResult() {}
