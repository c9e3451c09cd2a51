package loadtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newHarness(t *testing.T, opts Options) *Harness {
	t.Helper()
	h, err := NewHarness(filepath.Join(t.TempDir(), "load.db"), opts)
	if err != nil {
		t.Fatalf("NewHarness failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// TestOfflineWritesQueue verifies writes made offline all land in the queue.
func TestOfflineWritesQueue(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	stats, err := h.RunConcurrentWrites(ctx, 5, 4)
	if err != nil {
		t.Fatalf("RunConcurrentWrites failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("got %d write errors", stats.Errors)
	}
	if stats.Total != 20 {
		t.Errorf("Total = %d, want 20", stats.Total)
	}

	n, err := h.Queue.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 20 {
		t.Errorf("queue length = %d, want 20", n)
	}
	if h.Received() != 0 {
		t.Errorf("service received %d writes while offline", h.Received())
	}
}

// TestDrainPreservesPerAgentOrder is the main property: after reconnecting,
// every write arrives exactly once and each agent's writes arrive in order.
func TestDrainPreservesPerAgentOrder(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	const agents, writes = 10, 10
	if _, err := h.RunConcurrentWrites(ctx, agents, writes); err != nil {
		t.Fatalf("RunConcurrentWrites failed: %v", err)
	}

	drain, err := h.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if drain.Passes != 1 {
		t.Errorf("Passes = %d, want 1", drain.Passes)
	}
	if drain.Committed != agents*writes {
		t.Errorf("Committed = %d, want %d", drain.Committed, agents*writes)
	}
	if err := h.VerifyDelivery(agents, writes, true); err != nil {
		t.Error(err)
	}
	t.Logf("drained %d ops in %v (%.0f ops/s)", drain.Committed, drain.Duration, drain.Throughput)
}

// TestDrainWithFlakyService verifies that injected 503s are retried on later
// passes without losing or duplicating writes.
func TestDrainWithFlakyService(t *testing.T) {
	h := newHarness(t, Options{FailEvery: 4})
	ctx := context.Background()

	const agents, writes = 4, 10
	if _, err := h.RunConcurrentWrites(ctx, agents, writes); err != nil {
		t.Fatalf("RunConcurrentWrites failed: %v", err)
	}

	drain, err := h.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if drain.Passes < 2 {
		t.Errorf("Passes = %d, expected retries to need more than one pass", drain.Passes)
	}
	if drain.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", drain.Dropped)
	}
	if err := h.VerifyDelivery(agents, writes, false); err != nil {
		t.Error(err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v", s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v", s.Mean)
	}

	if empty := computeLatencyStats(nil); empty.Total != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
	s.Fprint(os.Stdout)
}
