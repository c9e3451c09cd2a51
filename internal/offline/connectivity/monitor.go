// Package connectivity tracks whether the remote service is reachable and
// turns state changes into sync requests.
//
// The Monitor is edge-triggered: callers (the platform network hook, the
// CLI, the Prober) report state with SetOnline and Foreground, and the
// Monitor emits an Event only on a transition or a foreground with queued
// work. The Prober is a supplement for environments without a reliable
// network signal; it probes the health endpoint with exponential spacing
// while offline.
package connectivity

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
)

// EventKind identifies what the Monitor observed.
type EventKind int

const (
	// BecameOnline is emitted on an offline to online transition.
	BecameOnline EventKind = iota + 1

	// BecameOffline is emitted on an online to offline transition.
	BecameOffline

	// VisibleWithQueue is emitted when the application returns to the
	// foreground while online with a non-empty queue.
	VisibleWithQueue
)

func (k EventKind) String() string {
	switch k {
	case BecameOnline:
		return "online"
	case BecameOffline:
		return "offline"
	case VisibleWithQueue:
		return "visible"
	default:
		return "unknown"
	}
}

// RequestsSync reports whether the event should start a sync pass.
func (k EventKind) RequestsSync() bool {
	return k == BecameOnline || k == VisibleWithQueue
}

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Monitor holds the current connectivity state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	since  time.Time

	listeners model.Listeners[Event]
	logger    *log.Logger
	now       func() time.Time
}

// NewMonitor creates a Monitor with the given initial state.
//
// If logger is nil, a default logger writing to stderr is used.
func NewMonitor(online bool, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		online: online,
		since:  time.Now(),
		logger: logger,
		now:    time.Now,
	}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the current state began.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// SetOnline records the connectivity state and emits an event on a transition.
// Repeating the current state is a no-op.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.since = m.now()
	ev := Event{Kind: BecameOffline, At: m.since}
	if online {
		ev.Kind = BecameOnline
	}
	m.mu.Unlock()

	m.logger.Printf("Connectivity changed: %s", ev.Kind)
	m.listeners.Emit(ev)
}

// Foreground reports that the application became visible. It emits
// VisibleWithQueue only when online and queueLen is non-zero.
func (m *Monitor) Foreground(queueLen int) {
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()

	if !online || queueLen == 0 {
		return
	}
	m.listeners.Emit(Event{Kind: VisibleWithQueue, At: m.now()})
}

// Subscribe registers fn for every emitted event.
// fn runs on the goroutine that reported the state change.
func (m *Monitor) Subscribe(fn func(Event)) model.Subscription {
	return m.listeners.Add(fn)
}
