// Package client is the entry point used by application code.
//
// Writes go to the remote service when the monitor reports connectivity and
// fall back to the durable queue on any failure; the caller always gets a
// result, either Confirmed by the server or Provisional with locally
// synthesized fields. Reads prefer a live response and fall back to the
// local cache; they are never queued.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agritrace/offsync/internal/offline/cache"
	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/remote"
	"github.com/google/uuid"
)

// TempIDPrefix marks identifiers synthesized for queued creates.
const TempIDPrefix = "temp-"

// Deps are the components the facade routes between.
type Deps struct {
	Queue   *queue.Queue
	Cache   *cache.Cache
	Remote  remote.Client
	Monitor *connectivity.Monitor
}

// Config holds facade settings.
type Config struct {
	// UserID is recorded on every queued operation.
	UserID string

	// Logger for fallback decisions. If nil, a default logger writing to stderr is used.
	Logger *log.Logger

	// Now overrides the clock used for optimistic timestamps.
	Now func() time.Time
}

// Facade routes reads and writes between the remote service, the queue and the cache.
type Facade struct {
	queue   *queue.Queue
	cache   *cache.Cache
	remote  remote.Client
	monitor *connectivity.Monitor

	userID string
	logger *log.Logger
	now    func() time.Time
}

// New creates a Facade.
func New(deps Deps, cfg Config) (*Facade, error) {
	if deps.Queue == nil || deps.Cache == nil || deps.Remote == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("queue, cache, remote and monitor are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Facade{
		queue:   deps.Queue,
		cache:   deps.Cache,
		remote:  deps.Remote,
		monitor: deps.Monitor,
		userID:  cfg.UserID,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// Create inserts a resource into the collection at path.
// Offline, the Provisional result carries data plus a temporary "id".
func (f *Facade) Create(ctx context.Context, path string, data json.RawMessage) (model.Result, error) {
	return f.write(ctx, model.KindCreate, path, data)
}

// Update partially updates the resource at path.
// Offline, the Provisional result carries data plus "updatedAt".
func (f *Facade) Update(ctx context.Context, path string, data json.RawMessage) (model.Result, error) {
	return f.write(ctx, model.KindUpdate, path, data)
}

// Delete removes the resource at path.
// Offline, the Provisional result is {"success":true}.
func (f *Facade) Delete(ctx context.Context, path string) (model.Result, error) {
	return f.write(ctx, model.KindDelete, path, nil)
}

func (f *Facade) write(ctx context.Context, kind model.Kind, path string, data json.RawMessage) (model.Result, error) {
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: %w", kind, path, model.ErrSerialization)
	}

	if f.monitor.Online() {
		body, err := f.remote.Do(ctx, kind, path, data)
		if err == nil {
			f.refresh(ctx, kind, path, body)
			return model.Confirmed{Data: body}, nil
		}
		// A caller cancellation is not a transport failure; nothing is queued.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		f.logger.Printf("Live %s %s failed, queueing: %v", kind, path, err)
	}

	op := model.NewOperation(kind, path, data, f.userID)
	if err := f.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	optimistic, err := f.optimistic(kind, data)
	if err != nil {
		return nil, err
	}
	return model.Provisional{Data: optimistic, OperationID: op.ID}, nil
}

func (f *Facade) refresh(ctx context.Context, kind model.Kind, path string, body json.RawMessage) {
	if _, err := f.cache.Invalidate(ctx, model.ResourcePrefix(path)); err != nil {
		f.logger.Printf("WARNING: failed to invalidate cache for %s: %v", path, err)
	}
	if key := cache.KeyFor(kind, path, body); key != "" {
		if err := f.cache.Put(ctx, key, body); err != nil {
			f.logger.Printf("WARNING: failed to refresh cache for %s: %v", key, err)
		}
	}
}

// optimistic builds the provisional representation for a queued write.
func (f *Facade) optimistic(kind model.Kind, data json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case model.KindDelete:
		return json.RawMessage(`{"success":true}`), nil
	case model.KindCreate:
		return withField(data, "id", TempIDPrefix+uuid.NewString())
	default:
		return withField(data, "updatedAt", f.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	}
}

// withField returns a copy of the JSON object data with key set to value.
// Non-object payloads are returned unchanged.
func withField(data json.RawMessage, key string, value any) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	var obj map[string]json.RawMessage
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		obj = map[string]json.RawMessage{}
	case trimmed[0] == '{':
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
		}
	default:
		return append(json.RawMessage(nil), data...), nil
	}

	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	obj[key] = v
	return json.Marshal(obj)
}

// Get reads the resource at path.
//
// Offline, a fresh cache entry is returned without any network call, a stale
// one triggers a single live attempt before it is returned, and a missing one
// fails with model.ErrNoCachedData. Online, the live response refreshes the
// cache; on failure any cached entry is returned instead of the error.
func (f *Facade) Get(ctx context.Context, path string) (model.Result, error) {
	entry, fresh, err := f.cache.Get(ctx, path)
	if err != nil {
		f.logger.Printf("WARNING: cache read for %s failed: %v", path, err)
		entry, fresh = nil, false
	}

	online := f.monitor.Online()
	if !online {
		if entry == nil {
			return nil, fmt.Errorf("%s: %w", path, model.ErrNoCachedData)
		}
		if fresh {
			return cached(entry), nil
		}
	}

	body, liveErr := f.remote.Fetch(ctx, path)
	if liveErr == nil {
		if !online {
			// The remote answered, so the monitor's offline state is stale.
			f.monitor.SetOnline(true)
		}
		if len(body) > 0 {
			if err := f.cache.Put(ctx, path, body); err != nil {
				f.logger.Printf("WARNING: failed to cache %s: %v", path, err)
			}
		}
		return model.Confirmed{Data: body}, nil
	}

	if entry != nil && !errors.Is(liveErr, context.Canceled) {
		f.logger.Printf("Live read of %s failed, serving cache from %s: %v",
			path, entry.WrittenAt.Format(time.RFC3339), liveErr)
		return cached(entry), nil
	}
	return nil, liveErr
}

func cached(e *model.CacheEntry) model.Result {
	return model.Confirmed{Data: e.Payload, FromCache: true, CachedAt: e.WrittenAt}
}
