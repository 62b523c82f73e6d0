// Package ws implements the per-run WebSocket subscription hub for real-time
// event streaming.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/runforge/runforge/internal/domain/event"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	RunID   string          `json:"run_id"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection subscribed to one run.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub manages per-run subscriber sets. Delivery is best-effort at-most-once:
// a failed write drops the message for that subscriber and prunes the
// connection. Implements broadcast.Broadcaster.
type Hub struct {
	mu   sync.RWMutex
	runs map[string]map[*conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{runs: make(map[string]map[*conn]struct{})}
}

// HandleRun upgrades the connection and subscribes it to the run ID in the
// request path. The connection lives until the client disconnects.
func (h *Hub) HandleRun(runID string, w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, cancel: cancel}
	h.subscribe(runID, c)

	slog.Info("websocket subscribed", "run_id", runID, "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.unsubscribe(runID, c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// BroadcastRunEvent sends the event to every subscriber of its run. Dead
// subscribers are pruned; no delivery is retried.
func (h *Hub) BroadcastRunEvent(ctx context.Context, ev *event.RunEvent) {
	data, err := json.Marshal(Message{Type: string(ev.Type), RunID: ev.RunID, Payload: ev.Payload})
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*conn, 0, len(h.runs[ev.RunID]))
	for c := range h.runs[ev.RunID] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "run_id", ev.RunID, "error", err)
			h.unsubscribe(ev.RunID, c)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs[runID])
}

func (h *Hub) subscribe(runID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[*conn]struct{})
	}
	h.runs[runID][c] = struct{}{}
}

func (h *Hub) unsubscribe(runID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.runs[runID]; ok {
		if _, ok := set[c]; ok {
			c.cancel()
			delete(set, c)
			if len(set) == 0 {
				delete(h.runs, runID)
			}
			slog.Info("websocket unsubscribed", "run_id", runID)
		}
	}
}
