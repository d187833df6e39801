package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection tuning. The read deadline is refreshed on every inbound frame
// and on protocol pongs; the ping interval must stay below it.
const (
	sendQueueSize = 1000
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	maxFrameBytes = 4 * 1024
)

// client is one live-stream connection. The hub owns registration; the
// client owns its two goroutines (read loop for actions, write loop draining
// the send queue) and its subscription set.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  map[string]struct{}

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *client {
	subs := make(map[string]struct{})
	for _, event := range SupportedEvents() {
		subs[event] = struct{}{}
	}

	return &client{
		id:   id,
		hub:  hub,
		conn: conn,
		subs: subs,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// close tears the connection down exactly once: a best-effort close frame,
// then the underlying socket, which unblocks both loops.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)

		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "disconnect"),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
}

func (c *client) subscribed(eventType string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	_, ok := c.subs[eventType]

	return ok
}

// subscribe adds the requested event types, ignoring ones the server does
// not emit, and returns the effective subscription set in stable order.
func (c *client) subscribe(events []string) []string {
	supported := make(map[string]struct{}, len(SupportedEvents()))
	for _, event := range SupportedEvents() {
		supported[event] = struct{}{}
	}

	c.subMu.Lock()
	for _, event := range events {
		if _, ok := supported[event]; ok {
			c.subs[event] = struct{}{}
		}
	}
	c.subMu.Unlock()

	return c.subscriptions()
}

func (c *client) unsubscribe(events []string) []string {
	c.subMu.Lock()
	for _, event := range events {
		delete(c.subs, event)
	}
	c.subMu.Unlock()

	return c.subscriptions()
}

// subscriptions returns the current set ordered as SupportedEvents lists
// them, so confirmations are deterministic.
func (c *client) subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	out := make([]string, 0, len(c.subs))
	for _, event := range SupportedEvents() {
		if _, ok := c.subs[event]; ok {
			out = append(out, event)
		}
	}

	return out
}

// enqueue offers a serialized frame without blocking. The false return means
// the queue is full and the consumer is too slow to keep.
func (c *client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// sendFrame serializes and enqueues a control-plane frame (welcome,
// confirmations, pong) on the same queue as events, preserving order.
func (c *client) sendFrame(frameType string, data interface{}) {
	payload, err := json.Marshal(serverFrame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	if !c.enqueue(payload) {
		c.hub.drop(c, "send queue full")
	}
}

// writeLoop drains the send queue onto the socket and keeps the connection
// alive with protocol pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.drop(c, "write failed")

				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.hub.drop(c, "ping failed")

				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop consumes client action frames until the connection dies.
func (c *client) readLoop() {
	defer c.hub.drop(c, "connection closed")

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Live stream read failed",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}

			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleAction(payload)
	}
}

func (c *client) handleAction(payload []byte) {
	var action clientAction
	if err := json.Unmarshal(payload, &action); err != nil {
		c.hub.logger.Warn("Dropping malformed client frame",
			slog.String("client_id", c.id),
			slog.String("error", err.Error()),
		)

		return
	}

	switch action.Action {
	case actionSubscribe:
		c.sendFrame(frameSubscriptionConfirmed, subscriptionData{Events: c.subscribe(action.Events)})
	case actionUnsubscribe:
		c.sendFrame(frameSubscriptionConfirmed, subscriptionData{Events: c.unsubscribe(action.Events)})
	case actionPing:
		c.sendFrame(framePong, nil)
	default:
		c.hub.logger.Warn("Ignoring unknown client action",
			slog.String("client_id", c.id),
			slog.String("action", action.Action),
		)
	}
}
