package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPingInterval is how often each connection is probed.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long a connection may go without a pong
	// before it is evicted. Three missed probes at the default interval.
	DefaultPongTimeout = 90 * time.Second
)

// Heartbeat periodically probes every registered connection and evicts the
// ones that stop answering. Probes run through the transport's Ping, which
// blocks until the matching pong arrives, so a successful round-trip is
// itself the pong observation. RecordPong exists for transports that surface
// pongs out of band.
//
// A connection that answers nothing for longer than the pong timeout is
// closed with status 1001 and removed from the registry.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	hub     *Hub
	stop    chan struct{}
	running bool
}

// NewHeartbeat creates a heartbeat manager. Zero or negative durations fall
// back to DefaultPingInterval and DefaultPongTimeout; a nil logger falls back
// to slog.Default().
func NewHeartbeat(interval, timeout time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if timeout <= 0 {
		timeout = DefaultPongTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{interval: interval, timeout: timeout, logger: logger}
}

// Start begins probing connections registered with h. Calling Start on a
// running heartbeat is a no-op. The heartbeat may be restarted after Stop.
func (hb *Heartbeat) Start(h *Hub) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.running {
		return
	}
	hb.hub = h
	hb.stop = make(chan struct{})
	hb.running = true
	go hb.loop(h, hb.stop)
	hb.logger.Info("Heartbeat started", "interval", hb.interval, "timeout", hb.timeout)
}

// Stop halts probing. Safe to call multiple times and before Start.
func (hb *Heartbeat) Stop() {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if !hb.running {
		return
	}
	close(hb.stop)
	hb.running = false
	hb.logger.Info("Heartbeat stopped")
}

// RecordPong marks the session as live as of now. Unknown sessions are
// ignored.
func (hb *Heartbeat) RecordPong(sessionID string) {
	hb.mu.Lock()
	h := hb.hub
	hb.mu.Unlock()
	if h == nil {
		return
	}
	if c := h.Connection(sessionID); c != nil {
		c.markPongReceived(time.Now())
	}
}

func (hb *Heartbeat) loop(h *Hub, stop chan struct{}) {
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb.sweep(h)
		}
	}
}

// sweep probes every connection and evicts the ones whose last pong is older
// than the timeout. Probes run concurrently; the eviction check uses the
// timestamps recorded by earlier probes, so a peer must miss several probes
// in a row before it is removed.
func (hb *Heartbeat) sweep(h *Hub) {
	now := time.Now()
	for _, c := range h.Connections() {
		go hb.probe(c)
		if idle := now.Sub(c.lastPongAt()); idle > hb.timeout {
			hb.logger.Warn("Heartbeat timeout", "session_id", c.SessionID(), "idle", idle)
			// The close handshake can block on a dead peer; keep the
			// sweep on schedule.
			go h.Evict(c.SessionID(), "heartbeat timeout")
		}
	}
}

func (hb *Heartbeat) probe(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), hb.interval)
	defer cancel()
	if err := c.ping(ctx); err != nil && c.ctx.Err() == nil {
		hb.logger.Debug("Ping failed", "session_id", c.SessionID(), "err", err)
	}
}
