// Package conflict decides how a local payload and a diverging server payload
// are reconciled.
//
// Resolution is a pure function of its inputs (plus the injected resolution
// time for merges). It never touches the queue or the network.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
)

// CustomFunc resolves a conflict for the manual strategy.
type CustomFunc func(local, server json.RawMessage) (json.RawMessage, error)

// Resolution is the outcome of Resolve. Escalated means no payload was chosen
// and the conflict must be handed to an external actor.
type Resolution struct {
	Payload   json.RawMessage
	Escalated bool
}

// MergeOptions controls field precedence for the merge strategy.
type MergeOptions struct {
	// IdentityFields are always taken from the server when the server has them.
	IdentityFields []string

	// ResolvedAtField is set to the resolution time. Empty disables it.
	ResolvedAtField string
}

// DefaultMergeOptions matches the remote service's resource shape.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		IdentityFields:  []string{"id", "createdAt"},
		ResolvedAtField: "updatedAt",
	}
}

// ParseStrategy converts a configured name to a Strategy.
func ParseStrategy(s string) (model.Strategy, error) {
	switch st := model.Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case model.StrategyClientWins, model.StrategyServerWins, model.StrategyMerge, model.StrategyManual:
		return st, nil
	case "":
		return model.StrategyClientWins, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q (want client-wins, server-wins, merge or manual)", s)
	}
}

// Resolve applies strategy to the local and server payloads using the default
// merge options.
func Resolve(local, server json.RawMessage, strategy model.Strategy, custom CustomFunc, now time.Time) (Resolution, error) {
	return ResolveWith(local, server, strategy, custom, DefaultMergeOptions(), now)
}

// ResolveWith is Resolve with explicit merge options.
func ResolveWith(local, server json.RawMessage, strategy model.Strategy, custom CustomFunc, opts MergeOptions, now time.Time) (Resolution, error) {
	switch strategy {
	case model.StrategyClientWins:
		return Resolution{Payload: clone(local)}, nil

	case model.StrategyServerWins:
		return Resolution{Payload: clone(server)}, nil

	case model.StrategyMerge:
		merged, err := Merge(local, server, opts, now)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Payload: merged}, nil

	case model.StrategyManual:
		if custom == nil {
			return Resolution{Escalated: true}, nil
		}
		out, err := custom(clone(local), clone(server))
		if err != nil {
			return Resolution{}, fmt.Errorf("custom resolver failed: %w", err)
		}
		if out == nil {
			return Resolution{Escalated: true}, nil
		}
		return Resolution{Payload: out}, nil

	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// Merge overlays local fields onto the server payload.
//
// Precedence, field by field:
//   - a key present locally wins, whatever its JSON type; objects and arrays
//     are replaced whole, not merged recursively, and an explicit null wins too
//   - a key only on the server is kept
//   - identity fields come from the server whenever the server has them
//   - ResolvedAtField is set to now
//
// A null or empty payload on either side counts as an empty object. If either
// side is a non-object JSON value there is nothing to overlay and the local
// payload is returned unchanged.
func Merge(local, server json.RawMessage, opts MergeOptions, now time.Time) (json.RawMessage, error) {
	localObj, localOK, err := asObject(local)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local payload: %w", err)
	}
	serverObj, serverOK, err := asObject(server)
	if err != nil {
		return nil, fmt.Errorf("failed to decode server payload: %w", err)
	}
	if !localOK || !serverOK {
		return clone(local), nil
	}

	out := make(map[string]json.RawMessage, len(serverObj)+len(localObj)+1)
	for k, v := range serverObj {
		out[k] = v
	}
	for k, v := range localObj {
		out[k] = v
	}
	for _, k := range opts.IdentityFields {
		if v, ok := serverObj[k]; ok {
			out[k] = v
		}
	}
	if opts.ResolvedAtField != "" {
		ts, err := json.Marshal(now.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		if err != nil {
			return nil, err
		}
		out[opts.ResolvedAtField] = ts
	}

	merged, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return merged, nil
}

// asObject decodes raw as a JSON object. ok is false for non-object values.
func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]json.RawMessage{}, true, nil
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, false, model.ErrSerialization
		}
		return nil, false, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	return obj, true, nil
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
