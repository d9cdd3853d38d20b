// Package ws implements the WebSocket status event stream. Clients connect
// to /v1/events and receive a JSON event for every sandbox status
// transition instead of polling the registry.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer bounds per-client queueing; a client that cannot keep up
	// is disconnected rather than blocking the publisher.
	sendBuffer = 32
)

// Event is one sandbox status transition pushed to subscribers.
type Event struct {
	SandboxID string    `json:"sandbox_id"`
	Domain    string    `json:"domain"`
	Status    string    `json:"status"`
	Operation string    `json:"operation"` // create, start, stop, swap, delete, crash
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Hub broadcasts sandbox events to connected WebSocket clients.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

// NewHub creates an event hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish fans the event out to every subscriber. Nil-safe; never blocks:
// a subscriber with a full queue is dropped.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			h.logger.Warn("dropping slow event subscriber")
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Handler returns an http.Handler that upgrades connections to WebSocket
// and streams events until the client disconnects.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sitebox-events-v1"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.serve(r.Context(), conn)
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	sub := h.subscribe()
	defer h.unsubscribe(sub)
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	// Discard inbound frames; the stream is one-way but reads surface
	// client disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
