package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agritrace/offsync/internal/offline/cache"
	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/agritrace/offsync/internal/offline/syncer"
)

var quiet = log.New(io.Discard, "", 0)

// fakeRemote counts submissions and answers pings according to reachable.
type fakeRemote struct {
	mu        sync.Mutex
	submitted []string
	reachable atomic.Bool
}

func (f *fakeRemote) Do(_ context.Context, _ model.Kind, path string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, path)
	return nil, nil
}

func (f *fakeRemote) Fetch(context.Context, string) (json.RawMessage, error) { return nil, nil }

func (f *fakeRemote) Ping(context.Context) error {
	if f.reachable.Load() {
		return nil
	}
	return model.ErrNetworkUnavailable
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fixture struct {
	db      *store.DB
	queue   *queue.Queue
	monitor *connectivity.Monitor
	orch    *syncer.Orchestrator
	remote  *fakeRemote
	daemon  *Daemon
}

func setupDaemon(t *testing.T, online bool, cfg *Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "offsync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(ctx, db, quiet)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		db:      db,
		queue:   q,
		monitor: connectivity.NewMonitor(online, quiet),
		remote:  &fakeRemote{},
	}
	f.remote.reachable.Store(online)

	scfg := syncer.DefaultConfig()
	scfg.Logger = quiet
	f.orch, err = syncer.New(syncer.Deps{
		Store:   db,
		Queue:   q,
		Cache:   cache.New(db, cache.WithLogger(quiet)),
		Remote:  f.remote,
		Monitor: f.monitor,
	}, scfg)
	if err != nil {
		t.Fatal(err)
	}

	prober := connectivity.NewProber(f.monitor, f.remote, connectivity.ProberConfig{
		InitialInterval: time.Minute,
		MaxInterval:     time.Minute,
		Timeout:         time.Second,
		Logger:          quiet,
	})

	if cfg == nil {
		cfg = &Config{RevalidateInterval: time.Hour, DebounceInterval: 20 * time.Millisecond}
	}
	cfg.Logger = quiet
	f.daemon, err = NewWithConfig(Deps{
		Store:        db,
		Queue:        q,
		Orchestrator: f.orch,
		Monitor:      f.monitor,
		Prober:       prober,
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// run starts the daemon and stops it at cleanup, failing on an unexpected error.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func (f *fixture) enqueue(t *testing.T, path string) {
	t.Helper()
	op := model.NewOperation(model.KindUpdate, path, json.RawMessage(`{"v":1}`), "u1")
	if err := f.queue.Enqueue(context.Background(), op); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewWithConfig_RequiresDeps(t *testing.T) {
	f := setupDaemon(t, true, nil)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no store", Deps{Queue: f.queue, Orchestrator: f.orch, Monitor: f.monitor}},
		{"no queue", Deps{Store: f.db, Orchestrator: f.orch, Monitor: f.monitor}},
		{"no prober", Deps{Store: f.db, Queue: f.queue, Orchestrator: f.orch, Monitor: f.monitor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithConfig(tt.deps, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewWithConfig_FillsDefaults(t *testing.T) {
	f := setupDaemon(t, true, &Config{})
	if f.daemon.config.RevalidateInterval != 5*time.Minute {
		t.Errorf("RevalidateInterval = %v", f.daemon.config.RevalidateInterval)
	}
	if f.daemon.config.DebounceInterval <= 0 {
		t.Errorf("DebounceInterval = %v", f.daemon.config.DebounceInterval)
	}
}

func TestDaemon_DrainsQueueOnStart(t *testing.T) {
	f := setupDaemon(t, true, nil)
	f.enqueue(t, "/api/farmers/1")

	f.run(t)

	waitFor(t, "queued operation to be sent", func() bool { return f.remote.count() == 1 })
	waitFor(t, "queue to drain", func() bool {
		n, _ := f.queue.Len(context.Background())
		return n == 0
	})
}

func TestDaemon_ReconnectDrainsQueue(t *testing.T) {
	f := setupDaemon(t, false, nil)
	f.enqueue(t, "/api/farmers/1")
	f.enqueue(t, "/api/farmers/2")

	f.run(t)

	// The first probe fails and the next is a minute away, so only Trigger
	// can bring the monitor back.
	time.Sleep(50 * time.Millisecond)
	if f.remote.count() != 0 {
		t.Fatalf("nothing should be sent while offline, got %d", f.remote.count())
	}

	f.remote.reachable.Store(true)
	f.daemon.Trigger()

	waitFor(t, "both operations to be sent", func() bool { return f.remote.count() == 2 })
	if !f.monitor.Online() {
		t.Error("monitor should be online after a successful probe")
	}
}

func TestDaemon_ExternalEnqueueRequestsPass(t *testing.T) {
	f := setupDaemon(t, true, nil)
	f.run(t)

	// A second handle on the same file stands in for another process.
	other, err := store.Open(f.db.Path())
	if err != nil {
		t.Fatalf("failed to open second handle: %v", err)
	}
	defer other.Close()

	op := model.NewOperation(model.KindCreate, "/api/farmers", json.RawMessage(`{"name":"A"}`), "u1")
	if _, err := other.InsertOperation(context.Background(), op); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "externally queued operation to be sent", func() bool { return f.remote.count() == 1 })
}

func TestCheckExternal(t *testing.T) {
	f := setupDaemon(t, true, nil)
	ctx := context.Background()
	f.orch.Start(ctx)
	defer f.orch.Close()

	changes, stop := f.queue.Subscribe()
	defer stop()

	// No new operations: no notification, no pass.
	f.daemon.checkExternal(ctx)
	select {
	case <-changes:
		t.Fatal("unexpected queue notification")
	default:
	}

	f.enqueue(t, "/api/farmers/9")
	<-changes // from Enqueue itself

	f.daemon.checkExternal(ctx)
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected a queue notification for new operations")
	}
	waitFor(t, "pass after new operations", func() bool { return f.remote.count() == 1 })

	waitFor(t, "queue to drain", func() bool {
		n, _ := f.queue.Len(ctx)
		return n == 0
	})

	// Removing operations does not move the sequence.
	f.daemon.mu.Lock()
	seen := f.daemon.lastSeq
	f.daemon.mu.Unlock()
	f.daemon.checkExternal(ctx)
	f.daemon.mu.Lock()
	defer f.daemon.mu.Unlock()
	if f.daemon.lastSeq != seen {
		t.Errorf("lastSeq moved from %d to %d without new operations", seen, f.daemon.lastSeq)
	}
}

func TestRevalidate(t *testing.T) {
	tests := []struct {
		name       string
		reachable  bool
		queued     bool
		wantSent   int
		wantOnline bool
	}{
		{"online with queue", true, true, 1, true},
		{"online empty queue", true, false, 0, true},
		{"unreachable", false, true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupDaemon(t, true, nil)
			f.remote.reachable.Store(tt.reachable)
			if tt.queued {
				f.enqueue(t, "/api/farmers/1")
			}
			ctx := context.Background()
			f.orch.Start(ctx)

			f.daemon.revalidate(ctx)
			f.orch.Close()

			if got := f.remote.count(); got != tt.wantSent {
				t.Errorf("sent %d operations, want %d", got, tt.wantSent)
			}
			if f.monitor.Online() != tt.wantOnline {
				t.Errorf("online = %v, want %v", f.monitor.Online(), tt.wantOnline)
			}
		})
	}
}

func TestDaemon_RunTwice(t *testing.T) {
	f := setupDaemon(t, true, nil)
	f.run(t)
	waitFor(t, "daemon to start", func() bool {
		f.daemon.mu.Lock()
		defer f.daemon.mu.Unlock()
		return f.daemon.running
	})

	if err := f.daemon.Run(context.Background()); err == nil {
		t.Error("expected error when running twice")
	}
}

func TestDaemon_StopsOnDeadline(t *testing.T) {
	f := setupDaemon(t, false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.daemon.Run(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}
