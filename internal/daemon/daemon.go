// Package daemon assembles the specdeck realtime daemon: websocket hub,
// heartbeat, domain event bus, store watcher and the HTTP surface that
// exposes them.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/specdeck/specdeck/assets"
	"github.com/specdeck/specdeck/internal/config"
	"github.com/specdeck/specdeck/internal/events"
	"github.com/specdeck/specdeck/internal/metrics"
	"github.com/specdeck/specdeck/internal/relay"
	"github.com/specdeck/specdeck/internal/storewatch"
	"github.com/specdeck/specdeck/pkg/hub"
)

const shutdownTimeout = 15 * time.Second

// Daemon owns every long-running component and their shutdown ordering.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	hub       *hub.Hub
	heartbeat *hub.Heartbeat
	bus       *events.Bus
	watcher   *storewatch.Watcher
	relay     *relay.NATS
	server    *http.Server

	ln       net.Listener
	serveErr chan error
	stopOnce sync.Once
}

// NewLogger builds the daemon logger from the log configuration.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// New assembles a daemon from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := hub.New(
		hub.WithLogger(logger),
		hub.WithSendBuffer(cfg.Realtime.SendBuffer),
		hub.WithWriteTimeout(cfg.Realtime.WriteTimeout),
	)
	hb := hub.NewHeartbeat(cfg.Realtime.PingInterval, cfg.Realtime.PongTimeout, logger)
	bus := events.NewBus(0, logger)

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		hub:       h,
		heartbeat: hb,
		bus:       bus,
	}

	if info, err := os.Stat(cfg.Store.Root); err == nil && info.IsDir() {
		watcher, err := storewatch.New(cfg.Store.Root, bus,
			storewatch.WithLogger(logger),
			storewatch.WithDebounce(cfg.Store.Debounce),
			storewatch.WithPatterns(cfg.Store.Patterns...),
		)
		if err != nil {
			return nil, fmt.Errorf("create store watcher: %w", err)
		}
		d.watcher = watcher
	} else {
		logger.Warn("store root not found, file events disabled", "root", cfg.Store.Root)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/ws", h.UpgradeHandler())
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.Handle("/assets/", http.StripPrefix("/assets", assets.ScriptHandler()))
	if cfg.Server.Metrics {
		mux.Handle("/metrics", metrics.NewRegistry(h).Handler())
	}

	d.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return d, nil
}

// Start binds the listener and brings every component up.
func (d *Daemon) Start() error {
	ln, err := net.Listen("tcp", d.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Addr(), err)
	}
	d.ln = ln

	if err := events.NewBridge(d.hub, d.logger).Attach(context.Background(), d.bus); err != nil {
		_ = ln.Close()
		return err
	}
	if d.cfg.NATS.URL != "" {
		nr, err := relay.NewNATS(relay.Options{
			URL:           d.cfg.NATS.URL,
			SubjectPrefix: d.cfg.NATS.SubjectPrefix,
		}, d.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		if err := nr.Attach(context.Background(), d.bus); err != nil {
			nr.Close()
			_ = ln.Close()
			return err
		}
		d.relay = nr
		d.logger.Info("event relay attached", "nats_url", d.cfg.NATS.URL, "subject_prefix", d.cfg.NATS.SubjectPrefix)
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("start store watcher: %w", err)
		}
	}
	d.heartbeat.Start(d.hub)

	d.serveErr = make(chan error, 1)
	go func() {
		d.serveErr <- d.server.Serve(ln)
	}()

	d.logger.Info("daemon listening",
		"addr", ln.Addr().String(),
		"metrics", d.cfg.Server.Metrics,
		"store", d.cfg.Store.Root,
	)
	return nil
}

// Run starts the daemon and blocks until ctx is canceled or the HTTP server
// fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	select {
	case err := <-d.serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = d.Shutdown(shCtx)
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(shCtx)
}

// Shutdown stops components in dependency order: event producers first, then
// the hub (which closes every connection with a normal closure), then the
// heartbeat, then the HTTP listener. Idempotent.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	d.stopOnce.Do(func() {
		d.logger.Info("daemon shutting down")
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Error("store watcher stop failed", "error", err)
			}
		}
		d.bus.Close()
		if d.relay != nil {
			d.relay.Close()
		}
		if err := d.hub.Shutdown(ctx); err != nil {
			firstErr = err
		}
		d.heartbeat.Stop()
		if d.server != nil {
			if err := d.server.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		d.logger.Info("daemon stopped")
	})
	return firstErr
}

// Addr returns the bound listen address, valid after Start.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Hub exposes the connection registry, mainly for route handlers broadcasting
// after domain mutations.
func (d *Daemon) Hub() *hub.Hub {
	return d.hub
}

// Bus exposes the domain event bus for in-process producers.
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": d.hub.ConnectionCount(),
	})
}
