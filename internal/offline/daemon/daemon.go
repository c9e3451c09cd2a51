package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/agritrace/offsync/internal/offline/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// RevalidateInterval is how often to re-probe connectivity and request a
	// pass while operations are waiting.
	RevalidateInterval time.Duration

	// DebounceInterval is how long the store must be quiet after a write
	// before the daemon looks for new operations.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RevalidateInterval: 5 * time.Minute,
		DebounceInterval:   200 * time.Millisecond,
		Logger:             log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Deps are the components the daemon drives.
type Deps struct {
	Store        *store.DB
	Queue        *queue.Queue
	Orchestrator *syncer.Orchestrator
	Monitor      *connectivity.Monitor
	Prober       *connectivity.Prober
}

// Daemon keeps a device's queue draining: it follows connectivity, notices
// operations enqueued by other processes and periodically revalidates.
type Daemon struct {
	deps   Deps
	config *Config

	trigger chan struct{}

	mu      sync.Mutex
	lastSeq int64
	running bool
}

// New creates a new Daemon instance with the default configuration.
func New(deps Deps) (*Daemon, error) {
	return NewWithConfig(deps, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(deps Deps, config *Config) (*Daemon, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Queue == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("queue and orchestrator cannot be nil")
	}
	if deps.Monitor == nil || deps.Prober == nil {
		return nil, fmt.Errorf("monitor and prober cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.RevalidateInterval <= 0 {
		config.RevalidateInterval = defaults.RevalidateInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Daemon{
		deps:    deps,
		config:  config,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
//
// The daemon:
//  1. Starts the orchestrator so connectivity events request passes
//  2. Probes connectivity with backoff while offline
//  3. Watches the store for operations enqueued by other processes
//  4. Revalidates on a fixed interval
//  5. Runs a pass on Trigger
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	seq, err := d.deps.Store.OperationSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue state: %w", err)
	}
	d.setLastSeq(seq)

	watcher, err := NewStoreWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(d.deps.Store.Path()); err != nil {
		_ = watcher.Stop()
		return err
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}()

	d.config.Logger.Printf("Starting daemon (store %s)", d.deps.Store.Path())

	d.deps.Orchestrator.Start(ctx)
	defer d.deps.Orchestrator.Close()

	if d.deps.Monitor.Online() {
		d.requestIfQueued(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchStore(gctx, watcher) })
	g.Go(func() error { return d.revalidateLoop(gctx) })
	g.Go(func() error { return d.triggerLoop(gctx) })
	g.Go(func() error {
		err := d.deps.Prober.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	err = g.Wait()
	d.config.Logger.Println("Daemon stopped")
	return err
}

// Trigger asks the running daemon to probe and run a pass now. Repeated
// triggers before the daemon reacts coalesce into one.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) triggerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.trigger:
			d.config.Logger.Println("Manual sync requested")
			if d.deps.Prober.Check(ctx) {
				d.deps.Orchestrator.Request()
			}
		}
	}
}

// watchStore debounces store events and looks for new operations once the
// store has been quiet for DebounceInterval.
func (d *Daemon) watchStore(ctx context.Context, w *StoreWatcher) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-w.Events():
			if !ok {
				return nil
			}
			if timer == nil {
				timer = time.NewTimer(d.config.DebounceInterval)
			} else {
				timer.Reset(d.config.DebounceInterval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			d.checkExternal(ctx)

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// checkExternal requests a pass when the operation sequence moved, meaning
// something enqueued since the last check. Passes only remove or update
// operations, so they never cause a request here.
func (d *Daemon) checkExternal(ctx context.Context) {
	seq, err := d.deps.Store.OperationSeq(ctx)
	if err != nil {
		d.config.Logger.Printf("Error reading queue state: %v", err)
		return
	}

	d.mu.Lock()
	changed := seq > d.lastSeq
	if changed {
		d.lastSeq = seq
	}
	d.mu.Unlock()
	if !changed {
		return
	}

	d.config.Logger.Println("New operations in store")
	d.deps.Queue.Notify()
	if d.deps.Monitor.Online() {
		d.deps.Orchestrator.Request()
	}
}

func (d *Daemon) revalidateLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.RevalidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.revalidate(ctx)
		}
	}
}

// revalidate re-probes connectivity and requests a pass if anything is queued.
func (d *Daemon) revalidate(ctx context.Context) {
	if !d.deps.Prober.Check(ctx) {
		return
	}
	d.requestIfQueued(ctx)
}

func (d *Daemon) requestIfQueued(ctx context.Context) {
	n, err := d.deps.Queue.Len(ctx)
	if err != nil {
		d.config.Logger.Printf("Error reading queue length: %v", err)
		return
	}
	if n > 0 {
		d.deps.Orchestrator.Request()
	}
}

func (d *Daemon) setLastSeq(seq int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeq = seq
}
