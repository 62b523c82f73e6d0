package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/runforge/runforge/internal/domain/event"
)

func dialHub(t *testing.T, h *Hub, runID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleRun(runID, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func waitForSubscribers(t *testing.T, h *Hub, runID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount(runID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers for %s never reached %d", runID, want)
}

func TestBroadcastReachesRunSubscribersOnly(t *testing.T) {
	h := NewHub()
	c1 := dialHub(t, h, "run-1")
	_ = dialHub(t, h, "run-2")
	waitForSubscribers(t, h, "run-1", 1)
	waitForSubscribers(t, h, "run-2", 1)

	ev, err := event.New("run-1", event.TypeLog, event.LogPayload{Line: "hello"})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	h.BroadcastRunEvent(context.Background(), ev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c1.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "log" || msg.RunID != "run-1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestDeadSubscriberPruned(t *testing.T) {
	h := NewHub()
	c := dialHub(t, h, "run-1")
	waitForSubscribers(t, h, "run-1", 1)

	_ = c.Close(websocket.StatusNormalClosure, "")
	waitForSubscribers(t, h, "run-1", 0)
}

func TestBroadcastNoSubscribersIsNoop(t *testing.T) {
	h := NewHub()
	ev, _ := event.New("run-x", event.TypeLog, event.LogPayload{Line: "nobody listening"})
	h.BroadcastRunEvent(context.Background(), ev)
}
