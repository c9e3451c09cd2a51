package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/syncer"
)

// SyncCompleteData summarizes one sync pass.
type SyncCompleteData struct {
	Success    bool  `json:"success"`
	Committed  int   `json:"committed"`
	Retrying   int   `json:"retrying"`
	Conflicts  int   `json:"conflicts"`
	Escalated  int   `json:"escalated"`
	Errors     int   `json:"errors"`
	DurationMS int64 `json:"duration_ms"`
}

// QueueChangedData carries the queue length after a change.
type QueueChangedData struct {
	Length int `json:"length"`
}

// ConnectivityData describes a connectivity event.
type ConnectivityData struct {
	Event  string `json:"event"`
	Online bool   `json:"online"`
}

// Handler subscribes to sync components and formats their events as
// dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu       sync.Mutex
	subs     []model.Subscription
	lastLen  int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	attached bool
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server:  server,
		logger:  logger,
		lastLen: -1,
	}
}

// Attach subscribes the handler to pass results, connectivity events and
// queue changes. Detach undoes it.
func (h *Handler) Attach(ctx context.Context, orch *syncer.Orchestrator, monitor *connectivity.Monitor, q *queue.Queue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attached {
		return
	}
	h.attached = true

	h.subs = append(h.subs,
		orch.OnSyncComplete(h.OnSyncComplete),
		monitor.Subscribe(h.OnConnectivity),
	)

	ctx, h.cancel = context.WithCancel(ctx)
	changes, stop := q.Subscribe()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				n, err := q.Len(ctx)
				if err != nil {
					h.logger.Printf("Failed to read queue length: %v", err)
					continue
				}
				h.OnQueueChanged(n)
			}
		}
	}()
}

// Detach removes every subscription made by Attach.
func (h *Handler) Detach() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	cancel := h.cancel
	h.attached = false
	h.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// OnSyncComplete handles completed passes
func (h *Handler) OnSyncComplete(res *model.SyncResult) {
	if res == nil || res.Skipped {
		return
	}
	data := SyncCompleteData{
		Success:    res.Success,
		Committed:  res.Committed,
		Retrying:   res.Retrying,
		Conflicts:  len(res.Conflicts),
		Errors:     len(res.Errors),
		DurationMS: res.Duration.Milliseconds(),
	}
	for _, c := range res.Conflicts {
		if c.Escalated {
			data.Escalated++
		}
	}
	h.logger.Printf("Sync complete: %d committed, %d retrying, %d conflicts, %d errors",
		data.Committed, data.Retrying, data.Conflicts, data.Errors)
	h.broadcast(MessageTypeSyncComplete, data)
}

// OnConnectivity handles online/offline transitions
func (h *Handler) OnConnectivity(ev connectivity.Event) {
	if ev.Kind == connectivity.VisibleWithQueue {
		return
	}
	h.broadcast(MessageTypeConnectivity, ConnectivityData{
		Event:  ev.Kind.String(),
		Online: ev.Kind == connectivity.BecameOnline,
	})
}

// OnQueueChanged broadcasts the queue length when it differs from the last one sent.
func (h *Handler) OnQueueChanged(length int) {
	h.mu.Lock()
	if length == h.lastLen {
		h.mu.Unlock()
		return
	}
	h.lastLen = length
	h.mu.Unlock()

	h.broadcast(MessageTypeQueueChanged, QueueChangedData{Length: length})
}

func (h *Handler) broadcast(t MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
