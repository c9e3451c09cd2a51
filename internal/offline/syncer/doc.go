// Package syncer drains the durable queue against the remote service.
//
// Overview
//
// Writes made while the remote is unreachable are queued by the facade. The
// Orchestrator replays them when connectivity returns, strictly in creation
// order, one operation at a time:
//
//	Facade ──enqueue──► Queue (SQLite)
//	                      │ snapshot
//	                      ▼
//	Monitor ──event──► Orchestrator ──Do──► Remote
//	                      │   ▲ 409
//	                      │   └── conflict.Resolve
//	                      ▼
//	                 Cache invalidate/refresh, listeners
//
// Per operation the state moves Pending → InFlight, then to Committed,
// Conflicted (then Committed or ManualPending), Retrying, or Failed.
// Committed, ManualPending and Failed operations leave the queue; manual
// conflicts move to the conflict store until ResolveManualConflict or
// DiscardManualConflict is called.
//
// Usage
//
//	orch, err := syncer.New(syncer.Deps{
//	    Store: db, Queue: q, Cache: c, Remote: rc, Monitor: mon,
//	}, syncer.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	sub := orch.OnSyncComplete(func(res *model.SyncResult) {
//	    log.Printf("sync: %d committed, %d errors", res.Committed, len(res.Errors))
//	})
//	defer sub.Unsubscribe()
//
//	orch.Start(ctx)
//	defer orch.Close()
//
// Concurrency
//
// At most one pass runs at a time. Sync called during an active pass returns
// a trivial result immediately; the request is not queued. The queue's own
// lock serializes enqueues from the facade with removals made by a pass, so
// an operation enqueued mid-pass is kept for the next one.
package syncer
