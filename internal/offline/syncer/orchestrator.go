package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agritrace/offsync/internal/offline/cache"
	"github.com/agritrace/offsync/internal/offline/conflict"
	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/remote"
	"github.com/agritrace/offsync/internal/offline/store"
)

const lastSyncKey = "last_sync_time"

// Deps are the components an Orchestrator drives.
type Deps struct {
	Store   *store.DB
	Queue   *queue.Queue
	Cache   *cache.Cache
	Remote  remote.Client
	Monitor *connectivity.Monitor
}

// Progress is reported before each operation and once when a pass completes.
type Progress struct {
	Total     int
	Completed int
	Current   *model.Operation // nil on the final report
}

// Percentage returns completion in the range [0, 100].
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) * 100 / float64(p.Total)
}

// Orchestrator replays the durable queue against the remote service.
type Orchestrator struct {
	store   *store.DB
	queue   *queue.Queue
	cache   *cache.Cache
	remote  remote.Client
	monitor *connectivity.Monitor

	cfg    Config
	logger *log.Logger

	running  atomic.Bool
	complete model.Listeners[*model.SyncResult]
	progress model.Listeners[Progress]

	mu     sync.Mutex
	monSub model.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator. Call Start to react to connectivity events.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Cache == nil || deps.Remote == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("store, queue, cache, remote and monitor are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.Strategy == "" {
		cfg.Strategy = model.StrategyClientWins
	}
	if cfg.Merge.IdentityFields == nil && cfg.Merge.ResolvedAtField == "" {
		cfg.Merge = conflict.DefaultMergeOptions()
	}
	if cfg.Classify == nil {
		cfg.Classify = RetryAll
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	return &Orchestrator{
		store:   deps.Store,
		queue:   deps.Queue,
		cache:   deps.Cache,
		remote:  deps.Remote,
		monitor: deps.Monitor,
		cfg:     cfg,
		logger:  cfg.Logger,
	}, nil
}

// Start subscribes to the connectivity monitor. Events that request a pass
// start one in the background; a request during an active pass is dropped.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.monSub != nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.monSub = o.monitor.Subscribe(func(ev connectivity.Event) {
		if ev.Kind.RequestsSync() {
			o.logger.Printf("Sync requested: %s", ev.Kind)
			o.Request()
		}
	})
}

// Request starts a pass in the background if the orchestrator is started.
// It never blocks.
func (o *Orchestrator) Request() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil || o.ctx.Err() != nil {
		return
	}
	if o.running.Load() {
		return
	}
	ctx := o.ctx
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Sync(ctx)
	}()
}

// Close detaches from the monitor and waits for a background pass to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.monSub != nil {
		o.monSub.Unsubscribe()
		o.monSub = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
}

// OnSyncComplete registers fn to receive exactly one result per completed pass.
// Trivial results (no pass ran) are not delivered.
func (o *Orchestrator) OnSyncComplete(fn func(*model.SyncResult)) model.Subscription {
	return o.complete.Add(fn)
}

// OnProgress registers fn for per-operation progress of each pass.
func (o *Orchestrator) OnProgress(fn func(Progress)) model.Subscription {
	return o.progress.Add(fn)
}

// Running reports whether a pass is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Sync runs one pass over a snapshot of the queue.
//
// It returns a trivial successful result without touching the queue if a pass
// is already running, the monitor reports offline, or the queue is empty.
// Once started, a pass attempts every operation in its snapshot; cancelling
// ctx does not abort it, and each remote call is bounded by the transport's
// own timeout.
func (o *Orchestrator) Sync(ctx context.Context) *model.SyncResult {
	if !o.running.CompareAndSwap(false, true) {
		return skipped()
	}
	defer o.running.Store(false)

	if !o.monitor.Online() {
		return skipped()
	}

	ctx = context.WithoutCancel(ctx)

	ops, err := o.queue.Snapshot(ctx)
	if err != nil {
		o.logger.Printf("ERROR: %v", err)
		res := model.NewSyncResult()
		res.Success = false
		res.Skipped = true
		return res
	}
	if len(ops) == 0 {
		return skipped()
	}

	sort.SliceStable(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].Seq < ops[j].Seq
	})

	res := model.NewSyncResult()
	res.StartedAt = o.cfg.Now().UTC()
	o.logger.Printf("Starting sync pass: %d operation(s)", len(ops))

	for i, op := range ops {
		o.progress.Emit(Progress{Total: len(ops), Completed: i, Current: op})
		o.process(ctx, op, res)
	}
	o.progress.Emit(Progress{Total: len(ops), Completed: len(ops)})

	res.Duration = o.cfg.Now().Sub(res.StartedAt)
	if len(res.Errors) > 0 || res.Retrying > 0 {
		res.Success = false
	}
	for _, c := range res.Conflicts {
		if c.Escalated {
			res.Success = false
		}
	}

	if err := o.store.SetMeta(ctx, lastSyncKey, res.StartedAt.Format(time.RFC3339Nano)); err != nil {
		o.logger.Printf("WARNING: failed to record last sync time: %v", err)
	}

	o.logger.Printf("Sync pass complete: committed=%d retrying=%d conflicts=%d errors=%d (%v)",
		res.Committed, res.Retrying, len(res.Conflicts), len(res.Errors), res.Duration)

	o.complete.Emit(res)
	return res
}

func skipped() *model.SyncResult {
	res := model.NewSyncResult()
	res.Skipped = true
	return res
}

// process replays one operation and records the outcome in res.
// Failures never propagate: every operation in the snapshot is attempted.
func (o *Orchestrator) process(ctx context.Context, op *model.Operation, res *model.SyncResult) {
	op.Status = model.StatusInFlight
	if err := o.queue.Update(ctx, op); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Removed since the snapshot was taken (queue cleared).
			return
		}
		o.logger.Printf("WARNING: failed to mark %s in flight: %v", op.ID, err)
	}

	body, err := o.remote.Do(ctx, op.Kind, op.Path, op.Payload)
	if err == nil {
		o.commit(ctx, op, body, res)
		return
	}

	if server, ok := model.ConflictBody(err); ok {
		o.handleConflict(ctx, op, server, res)
		return
	}
	if model.IsConflict(err) {
		// Nothing to resolve against; retry rather than resubmit blindly.
		err = fmt.Errorf("%w: conflict response carried no server representation: %w", model.ErrSerialization, err)
		o.retryOrDrop(ctx, op, err, true, res)
		return
	}

	o.fail(ctx, op, err, res)
}

func (o *Orchestrator) handleConflict(ctx context.Context, op *model.Operation, server json.RawMessage, res *model.SyncResult) {
	op.Status = model.StatusConflicted
	c := &model.Conflict{
		Operation: op.Clone(),
		Server:    server,
		Strategy:  o.cfg.Strategy,
	}
	res.Conflicts = append(res.Conflicts, c)

	resolution, err := conflict.ResolveWith(op.Payload, server, o.cfg.Strategy, o.cfg.Custom, o.cfg.Merge, o.cfg.Now())
	if err != nil {
		o.logger.Printf("WARNING: conflict on %s %s could not be resolved (%v), escalating", op.Kind, op.Path, err)
		resolution = conflict.Resolution{Escalated: true}
	}

	if !resolution.Escalated && len(resolution.Payload) == 0 && op.Kind != model.KindDelete {
		o.logger.Printf("WARNING: %s resolution of %s %s produced an empty payload, escalating", o.cfg.Strategy, op.Kind, op.Path)
		resolution = conflict.Resolution{Escalated: true}
	}

	if resolution.Escalated {
		c.Escalated = true
		c.Operation.Status = model.StatusManualPending
		if err := o.queue.Escalate(ctx, c); err != nil {
			o.logger.Printf("ERROR: failed to escalate conflict %s, keeping it queued: %v", op.ID, err)
			c.Escalated = false
			op.Status = model.StatusRetrying
			c.Operation.Status = op.Status
			if uerr := o.queue.Update(ctx, op); uerr != nil {
				o.logger.Printf("ERROR: failed to persist retry for %s: %v", op.ID, uerr)
			}
			res.Retrying++
			return
		}
		o.logger.Printf("Conflict on %s %s escalated for manual resolution (id=%s)", op.Kind, op.Path, op.ID)
		return
	}

	c.Resolved = resolution.Payload
	o.logger.Printf("Conflict on %s %s resolved with %s, resubmitting", op.Kind, op.Path, o.cfg.Strategy)

	// One resubmission with the resolved payload; it does not consume a retry.
	local := op.Payload
	op.Payload = resolution.Payload
	body, err := o.remote.Do(ctx, op.Kind, op.Path, op.Payload)
	if err == nil {
		o.commit(ctx, op, body, res)
		return
	}
	if model.IsConflict(err) {
		// The server moved again. Keep the local change so the next pass
		// resolves it against the newer server state.
		op.Payload = local
		err = fmt.Errorf("conflict persisted after %s resolution: %w", o.cfg.Strategy, err)
		o.retryOrDrop(ctx, op, err, true, res)
		return
	}
	o.fail(ctx, op, err, res)
}

func (o *Orchestrator) commit(ctx context.Context, op *model.Operation, body json.RawMessage, res *model.SyncResult) {
	if err := o.queue.Remove(ctx, op.ID); err != nil {
		o.logger.Printf("ERROR: failed to remove committed %s: %v", op.ID, err)
	}
	op.Status = model.StatusCommitted
	res.Committed++

	prefix := model.ResourcePrefix(op.Path)
	if _, err := o.cache.Invalidate(ctx, prefix); err != nil {
		o.logger.Printf("WARNING: failed to invalidate cache for %s: %v", prefix, err)
	}
	res.Invalidations++

	if key := cache.KeyFor(op.Kind, op.Path, body); key != "" {
		if err := o.cache.Put(ctx, key, body); err != nil {
			o.logger.Printf("WARNING: failed to refresh cache for %s: %v", key, err)
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, op *model.Operation, err error, res *model.SyncResult) {
	o.retryOrDrop(ctx, op, err, o.cfg.Classify(err), res)
}

// retryOrDrop counts one attempt against op. A retryable failure below the
// ceiling leaves op queued as Retrying; anything else removes it as Failed.
func (o *Orchestrator) retryOrDrop(ctx context.Context, op *model.Operation, err error, retryable bool, res *model.SyncResult) {
	op.Retries++

	if retryable && op.Retries < o.cfg.MaxRetries {
		op.Status = model.StatusRetrying
		if uerr := o.queue.Update(ctx, op); uerr != nil {
			o.logger.Printf("ERROR: failed to persist retry for %s: %v", op.ID, uerr)
		}
		res.Retrying++
		o.logger.Printf("WARNING: %s %s failed (attempt %d/%d): %v", op.Kind, op.Path, op.Retries, o.cfg.MaxRetries, err)
		return
	}

	if retryable {
		err = fmt.Errorf("%w after %d attempts: %w", model.ErrRetryExhausted, op.Retries, err)
	}
	op.Status = model.StatusFailed
	if rerr := o.queue.Remove(ctx, op.ID); rerr != nil {
		o.logger.Printf("ERROR: failed to remove failed %s: %v", op.ID, rerr)
	}
	res.Errors = append(res.Errors, &model.OperationError{
		Operation: op.Clone(),
		Reason:    err.Error(),
		Err:       err,
	})
	o.logger.Printf("ERROR: %s %s dropped: %v", op.Kind, op.Path, err)
}

// QueuedCount returns the number of operations waiting for a pass.
func (o *Orchestrator) QueuedCount(ctx context.Context) (int, error) {
	return o.queue.Len(ctx)
}

// LastSyncTime returns when the last non-trivial pass started, or the zero
// time if none has run.
func (o *Orchestrator) LastSyncTime(ctx context.Context) (time.Time, error) {
	v, err := o.store.GetMeta(ctx, lastSyncKey)
	if errors.Is(err, model.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time %q: %w", v, err)
	}
	return t, nil
}
