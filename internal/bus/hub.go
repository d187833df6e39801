package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/reconcile"
)

// ErrHubClosed is returned when a connection is attempted after shutdown.
var ErrHubClosed = errors.New("event bus is shut down")

// Hub is the live-stream fan-out point. It satisfies reconcile.Notifier: the
// engine hands it lifecycle events after every commit and the hub serializes
// each event once, then enqueues it onto every subscribed connection.
//
// Notify never blocks. A connection whose queue is full is dropped; the
// authoritative state lives in the store, so a reconnecting client loses
// nothing it cannot re-read.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates an empty hub. Mount it at the live-stream path and wire it
// into the engine with reconcile.WithNotifier.
func NewHub() *Hub {
	return &Hub{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from arbitrary origins; auth happens in
			// the API middleware before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and runs the connection until it dies. New
// connections start subscribed to every supported event; the subscribe and
// unsubscribe actions narrow the set from there.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)

		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)

		return
	}

	c := newClient(uuid.NewString(), h, conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()

		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("Live stream client connected",
		slog.String("client_id", c.id),
		slog.String("remote", r.RemoteAddr),
	)

	c.sendFrame(frameConnectionEstablished, welcomeData{
		ClientID:        c.id,
		SupportedEvents: SupportedEvents(),
	})

	go c.writeLoop()
	go c.readLoop()
}

// Notify implements reconcile.Notifier.
func (h *Hub) Notify(event reconcile.Event) {
	if event.Run == nil {
		return
	}

	h.Publish(string(event.Type), lifecycleData(event))
}

// Publish serializes the event once and enqueues it onto every connection
// subscribed to its type. Safe to call from any goroutine; never blocks.
func (h *Hub) Publish(eventType string, data interface{}) {
	payload, err := json.Marshal(serverFrame{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("Failed to serialize event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)

		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscribed(eventType) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			// Dropping asynchronously keeps Publish non-blocking even while
			// the slow connection's close handshake runs.
			go h.drop(c, "send queue full")
		}
	}
}

// ClientCount reports connected clients, for the readiness surface.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// drop removes the client from the registry and closes it. Idempotent: the
// write loop, read loop and slow-consumer path may all race to call it.
func (h *Hub) drop(c *client, reason string) {
	h.mu.Lock()
	_, tracked := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.close()

	if tracked {
		h.logger.Info("Live stream client disconnected",
			slog.String("client_id", c.id),
			slog.String("reason", reason),
		)
	}
}

// Shutdown closes every connection and refuses new ones. The context bounds
// nothing today (close is synchronous) but keeps the signature uniform with
// the other servers.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return ErrHubClosed
	}

	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	h.logger.Info("Event bus shut down",
		slog.Int("disconnected", len(clients)),
	)

	return nil
}
