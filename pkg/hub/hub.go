// Package hub implements the realtime side of the daemon API: a WebSocket
// connection registry with topic-based subscriptions, per-connection ordered
// delivery, and liveness probing.
//
// Every registered connection owns a monotonically increasing sequence
// counter. Broadcasts assign the next sequence number per connection at
// enqueue time, so each subscriber observes a strictly increasing seq on the
// frames it receives. A connection whose outbound queue is full has the frame
// dropped (its counter does not advance), which keeps one slow consumer from
// stalling the rest.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/specdeck/specdeck/pkg/wire"
)

var (
	// ErrHubClosed is returned for operations attempted after Shutdown.
	ErrHubClosed = errors.New("hub is shutting down")

	// ErrSessionExists is returned when registering a duplicate session id.
	ErrSessionExists = errors.New("session id already registered")

	// ErrUnknownSession is returned for operations on an unregistered session.
	ErrUnknownSession = errors.New("unknown session id")
)

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Connections     int
	EventsBroadcast uint64
	EventsDelivered uint64
	EventsDropped   uint64
	Evictions       uint64
}

// Hub is the connection registry. It owns the connection table and the
// topic index, and is safe for concurrent use.
type Hub struct {
	cfg hubConfig

	// ctx is the parent of every connection context. It is canceled at the
	// end of Shutdown, after close frames have been written.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conns  map[string]*Conn
	topics map[string]map[string]*Conn

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	eventsBroadcast atomic.Uint64
	eventsDelivered atomic.Uint64
	eventsDropped   atomic.Uint64
	evictions       atomic.Uint64
}

// New creates a Hub with the given options applied over the defaults.
func New(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg: hubConfig{
			logger:       slog.Default(),
			sendBuffer:   defaultSendBuffer,
			writeTimeout: defaultWriteTimeout,
			readLimit:    defaultReadLimit,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Conn),
		topics: make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddConnection registers a connection under its session id. The id must be
// unique among live connections.
func (h *Hub) AddConnection(c *Conn) error {
	if h.shuttingDown.Load() {
		return ErrHubClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[c.sessionID]; exists {
		return ErrSessionExists
	}
	h.conns[c.sessionID] = c
	h.cfg.logger.Info("Connection registered",
		"session_id", c.sessionID,
		"remote_addr", c.remoteAddr,
		"total_connections", len(h.conns))
	return nil
}

// RemoveConnection detaches the session from the connection table and every
// topic set, then closes its socket with a normal closure. Unknown ids are
// ignored, so the call is safe to repeat.
func (h *Hub) RemoveConnection(sessionID string) {
	if c := h.detach(sessionID); c != nil {
		c.close(websocket.StatusNormalClosure, "")
	}
}

// Evict force-closes the session with status 1001 (going away) and removes it
// from the registry. Used by the heartbeat manager for unresponsive peers.
func (h *Hub) Evict(sessionID, reason string) {
	c := h.detach(sessionID)
	if c == nil {
		return
	}
	h.evictions.Add(1)
	h.cfg.logger.Warn("Connection evicted", "session_id", sessionID, "reason", reason)
	c.close(websocket.StatusGoingAway, reason)
}

// detach removes the session from the maps without touching its socket.
func (h *Hub) detach(sessionID string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[sessionID]
	if !ok {
		return nil
	}
	delete(h.conns, sessionID)
	for _, topic := range c.Topics() {
		if set, ok := h.topics[topic]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.cfg.logger.Info("Connection removed",
		"session_id", sessionID,
		"total_connections", len(h.conns))
	return c
}

// Subscribe adds the session to each named topic. Subscribing twice to the
// same topic is a no-op.
func (h *Hub) Subscribe(sessionID string, topics []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	for _, topic := range topics {
		set, ok := h.topics[topic]
		if !ok {
			set = make(map[string]*Conn)
			h.topics[topic] = set
		}
		set[sessionID] = c
	}
	c.subscribe(topics)
	h.cfg.logger.Debug("Session subscribed", "session_id", sessionID, "topics", topics)
	return nil
}

// Unsubscribe removes the session from each named topic. Topics the session
// never subscribed to are ignored.
func (h *Hub) Unsubscribe(sessionID string, topics []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	for _, topic := range topics {
		if set, ok := h.topics[topic]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	c.unsubscribe(topics)
	h.cfg.logger.Debug("Session unsubscribed", "session_id", sessionID, "topics", topics)
	return nil
}

// Broadcast fans an event out to every connection subscribed to topic. Each
// subscriber's frame carries that connection's own next sequence number.
// Connections whose queues are full are skipped. Returns the number of
// connections the event was queued for.
func (h *Hub) Broadcast(ctx context.Context, topic, event string, data any) (int, error) {
	if h.shuttingDown.Load() {
		return 0, ErrHubClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("marshal event data: %w", err)
		}
		payload = b
	}

	h.mu.RLock()
	set := h.topics[topic]
	targets := make([]*Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.eventsBroadcast.Add(1)
	if len(targets) == 0 {
		return 0, nil
	}

	msgID := newID()
	ts := time.Now().UTC()
	delivered := 0
	for _, c := range targets {
		if c.enqueueEvent(msgID, ts, topic, event, payload) {
			delivered++
			h.eventsDelivered.Add(1)
		} else {
			h.eventsDropped.Add(1)
			c.logger.Warn("Event dropped, send queue full", "topic", topic, "event", event)
		}
	}
	return delivered, nil
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections returns a snapshot of the registered connections.
func (h *Hub) Connections() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Connection returns the registered connection for sessionID, or nil.
func (h *Hub) Connection(sessionID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[sessionID]
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connections:     h.ConnectionCount(),
		EventsBroadcast: h.eventsBroadcast.Load(),
		EventsDelivered: h.eventsDelivered.Load(),
		EventsDropped:   h.eventsDropped.Load(),
		Evictions:       h.evictions.Load(),
	}
}

// UpgradeHandler returns an http.HandlerFunc that upgrades requests to
// WebSocket connections and registers them with the hub. The first frame
// written on every accepted connection announces the assigned session id.
func (h *Hub) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.shuttingDown.Load() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		ws, err := websocket.Accept(w, r, h.cfg.acceptOptions)
		if err != nil {
			h.cfg.logger.Error("WebSocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
			return
		}
		ws.SetReadLimit(h.cfg.readLimit)

		c := newConn(h.ctx, newID(), r.RemoteAddr, wsTransport{conn: ws}, h.cfg)
		if err := h.AddConnection(c); err != nil {
			h.cfg.logger.Error("Failed to register connection", "err", err)
			_ = ws.Close(websocket.StatusInternalError, "registration failed")
			return
		}
		h.start(c)
	}
}

// start queues the hello frame and launches the connection's pumps. The hello
// is enqueued before the write loop begins draining, so it is always the
// first frame the peer receives.
func (h *Hub) start(c *Conn) {
	c.trySendControl(&wire.Connected{Event: wire.EventConnected, SessionID: c.sessionID})
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
}

// readLoop consumes inbound frames until the peer disconnects or the
// connection is closed locally, dispatching each frame as a command.
func (h *Hub) readLoop(c *Conn) {
	defer h.RemoveConnection(c.sessionID)
	for {
		raw, err := c.tr.ReadMessage(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.logger.Debug("Connection closed by peer", "status", status)
			case c.ctx.Err() != nil:
				// Closed locally; nothing to report.
			default:
				c.logger.Debug("Read failed, dropping connection", "err", err)
			}
			return
		}
		h.handleCommand(c, raw)
	}
}

// Shutdown closes every registered connection with a normal closure status
// and waits for their pumps to exit, bounded by ctx. The hub accepts no new
// connections or broadcasts afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	var err error
	h.shutdownOnce.Do(func() {
		h.shuttingDown.Store(true)
		conns := h.Connections()
		h.cfg.logger.Info("Hub shutting down", "connections", len(conns))
		for _, c := range conns {
			h.detach(c.sessionID)
			c.close(websocket.StatusNormalClosure, "server shutting down")
		}
		h.cancel()

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("hub shutdown wait: %w", ctx.Err())
		}
	})
	return err
}

// newID returns a time-sortable unique id, used for both session and message
// identifiers.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
