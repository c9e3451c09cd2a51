// Package loadtest simulates many field agents writing while offline and
// measures how fast the device drains its backlog once connectivity returns.
//
// A Harness wires the real store, queue, cache, facade and orchestrator
// against an in-process HTTP service, so the numbers cover SQLite writes and
// the full replay path rather than a mock.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agritrace/offsync/internal/offline/cache"
	"github.com/agritrace/offsync/internal/offline/client"
	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/remote"
	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/agritrace/offsync/internal/offline/syncer"
)

// Options shape the simulated service.
type Options struct {
	// Latency is added to every request the service handles.
	Latency time.Duration

	// FailEvery makes every Nth request answer 503. Zero never fails.
	FailEvery int

	// MaxPasses bounds Drain. Zero means 10.
	MaxPasses int

	// Logger receives component logs. Nil discards them.
	Logger *log.Logger
}

// Harness is a populated device plus the service it syncs with.
type Harness struct {
	DB           *store.DB
	Queue        *queue.Queue
	Monitor      *connectivity.Monitor
	Orchestrator *syncer.Orchestrator
	Facade       *client.Facade

	opts   Options
	server *httptest.Server

	requests atomic.Int64
	mu       sync.Mutex
	received []write
}

// write identifies one simulated agent write.
type write struct {
	Agent int `json:"agent"`
	Seq   int `json:"seq"`
}

// LatencyStats captures timings from a load run.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Total int

	// Errors counts writes that returned an error instead of a result.
	Errors int
}

// DrainStats summarizes replaying the backlog.
type DrainStats struct {
	Passes     int
	Committed  int
	Dropped    int
	Duration   time.Duration
	Throughput float64 // operations per second
}

// NewHarness opens a store at dbPath and starts the simulated service. The
// device starts offline so writes land in the queue.
func NewHarness(dbPath string, opts Options) (*Harness, error) {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 10
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	h := &Harness{opts: opts}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))

	db, err := store.Open(dbPath)
	if err != nil {
		h.server.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	h.DB = db

	if err := h.wire(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) wire() error {
	ctx := context.Background()
	var err error
	h.Queue, err = queue.New(ctx, h.DB, h.opts.Logger)
	if err != nil {
		return err
	}
	c := cache.New(h.DB, cache.WithLogger(h.opts.Logger))

	rcfg := remote.DefaultConfig(h.server.URL)
	rcfg.Logger = h.opts.Logger
	rc, err := remote.New(rcfg)
	if err != nil {
		return err
	}

	h.Monitor = connectivity.NewMonitor(false, h.opts.Logger)

	scfg := syncer.DefaultConfig()
	scfg.Logger = h.opts.Logger
	// Injected failures must not exhaust retries before Drain gives up.
	scfg.MaxRetries = h.opts.MaxPasses
	h.Orchestrator, err = syncer.New(syncer.Deps{
		Store:   h.DB,
		Queue:   h.Queue,
		Cache:   c,
		Remote:  rc,
		Monitor: h.Monitor,
	}, scfg)
	if err != nil {
		return err
	}

	h.Facade, err = client.New(client.Deps{
		Queue:   h.Queue,
		Cache:   c,
		Remote:  rc,
		Monitor: h.Monitor,
	}, client.Config{UserID: "loadtest", Logger: h.opts.Logger})
	return err
}

// Close stops the service and closes the store.
func (h *Harness) Close() error {
	if h.Orchestrator != nil {
		h.Orchestrator.Close()
	}
	if h.server != nil {
		h.server.Close()
	}
	if h.DB != nil {
		return h.DB.Close()
	}
	return nil
}

func (h *Harness) serve(w http.ResponseWriter, r *http.Request) {
	if h.opts.Latency > 0 {
		time.Sleep(h.opts.Latency)
	}
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	n := h.requests.Add(1)
	if h.opts.FailEvery > 0 && n%int64(h.opts.FailEvery) == 0 {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}

	var in write
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.received = append(h.received, in)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": n, "agent": in.Agent, "seq": in.Seq})
}

// RunConcurrentWrites has numAgents agents each create writesPerAgent records
// through the facade, recording the latency of every call.
func (h *Harness) RunConcurrentWrites(ctx context.Context, numAgents, writesPerAgent int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, numAgents)
	var errCount atomic.Int64

	for i := 0; i < numAgents; i++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, writesPerAgent)
			for seq := 0; seq < writesPerAgent; seq++ {
				payload, _ := json.Marshal(write{Agent: agent, Seq: seq})
				start := time.Now()
				_, err := h.Facade.Create(ctx, "/api/observations", payload)
				durations = append(durations, time.Since(start))
				if err != nil {
					errCount.Add(1)
					h.opts.Logger.Printf("agent %d write %d failed: %v", agent, seq, err)
				}
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	close(results)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no writes attempted")
	}

	stats := computeLatencyStats(all)
	stats.Errors = int(errCount.Load())
	return stats, nil
}

// Drain brings the device online and runs passes until the queue is empty
// or MaxPasses is reached.
func (h *Harness) Drain(ctx context.Context) (*DrainStats, error) {
	h.Monitor.SetOnline(true)

	stats := &DrainStats{}
	start := time.Now()
	for stats.Passes < h.opts.MaxPasses {
		n, err := h.Queue.Len(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		res := h.Orchestrator.Sync(ctx)
		stats.Passes++
		stats.Committed += res.Committed
		stats.Dropped += len(res.Errors)
	}
	stats.Duration = time.Since(start)
	if stats.Duration > 0 {
		stats.Throughput = float64(stats.Committed) / stats.Duration.Seconds()
	}

	n, err := h.Queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return stats, fmt.Errorf("%d operation(s) still queued after %d passes", n, stats.Passes)
	}
	return stats, nil
}

// VerifyDelivery checks that the service received every write exactly once.
// With ordered set, each agent's writes must also have arrived in the order
// they were made.
func (h *Harness) VerifyDelivery(numAgents, writesPerAgent int, ordered bool) error {
	h.mu.Lock()
	received := append([]write(nil), h.received...)
	h.mu.Unlock()

	if len(received) != numAgents*writesPerAgent {
		return fmt.Errorf("service received %d writes, want %d", len(received), numAgents*writesPerAgent)
	}

	seen := make(map[write]bool, len(received))
	next := make([]int, numAgents)
	for _, w := range received {
		if w.Agent < 0 || w.Agent >= numAgents {
			return fmt.Errorf("unknown agent %d", w.Agent)
		}
		if seen[w] {
			return fmt.Errorf("agent %d write %d delivered twice", w.Agent, w.Seq)
		}
		seen[w] = true
		if ordered {
			if w.Seq != next[w.Agent] {
				return fmt.Errorf("agent %d: got write %d, want %d", w.Agent, w.Seq, next[w.Agent])
			}
			next[w.Agent]++
		}
	}
	return nil
}

// Received returns how many writes the service accepted.
func (h *Harness) Received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(durations),
	}
}

// Fprint writes latency statistics to w.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Write latency:\n")
	fmt.Fprintf(w, "  Total writes:  %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
