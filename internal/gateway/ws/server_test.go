package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishNilHubIsSafe(t *testing.T) {
	var h *Hub
	h.Publish(Event{SandboxID: "x"})
	if h.Subscribers() != 0 {
		t.Error("nil hub reports subscribers")
	}
}

func TestPublishStampsTime(t *testing.T) {
	h := NewHub(testLogger())
	sub := h.subscribe()
	defer h.unsubscribe(sub)

	h.Publish(Event{SandboxID: "x", Operation: "create"})

	select {
	case ev := <-sub.ch:
		if ev.At.IsZero() {
			t.Error("event not timestamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishFanOut(t *testing.T) {
	h := NewHub(testLogger())
	a := h.subscribe()
	b := h.subscribe()
	defer h.unsubscribe(a)
	defer h.unsubscribe(b)

	if h.Subscribers() != 2 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}

	h.Publish(Event{SandboxID: "x", Status: "running", Operation: "start"})

	for _, sub := range []*subscriber{a, b} {
		select {
		case ev := <-sub.ch:
			if ev.Status != "running" {
				t.Errorf("status = %q", ev.Status)
			}
		case <-time.After(time.Second):
			t.Fatal("event not fanned out")
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub(testLogger())
	sub := h.subscribe()

	// Fill the queue without draining, then overflow it.
	for i := 0; i <= sendBuffer; i++ {
		h.Publish(Event{SandboxID: "x", Operation: "start"})
	}

	if h.Subscribers() != 0 {
		t.Errorf("slow subscriber not dropped: %d", h.Subscribers())
	}
	// Channel is closed after the drop.
	drained := 0
	for range sub.ch {
		drained++
	}
	if drained != sendBuffer {
		t.Errorf("drained %d buffered events, want %d", drained, sendBuffer)
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	h := NewHub(testLogger())
	sub := h.subscribe()
	h.unsubscribe(sub)
	h.unsubscribe(sub)
}

func TestEndToEndStream(t *testing.T) {
	h := NewHub(testLogger())
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"sitebox-events-v1"},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Wait for the server side to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish(Event{SandboxID: "abc", Domain: "shop.local", Status: "running", Operation: "start"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.SandboxID != "abc" || ev.Operation != "start" {
		t.Errorf("event = %+v", ev)
	}
}
