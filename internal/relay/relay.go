// Package relay republishes daemon events to a NATS server so other
// processes can follow a workspace without holding a websocket connection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/specdeck/specdeck/internal/events"
)

// DefaultSubjectPrefix namespaces relay subjects.
const DefaultSubjectPrefix = "specdeck"

// Options configures a NATS relay.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// SubjectPrefix namespaces the published subjects. Defaults to
	// DefaultSubjectPrefix.
	SubjectPrefix string

	// ConnectOptions are passed through to nats.Connect.
	ConnectOptions []nats.Option
}

// NATS forwards bus events to a NATS server. Each daemon topic maps to one
// subject; see Subject.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATS connects to the configured server.
func NewNATS(opts Options, logger *slog.Logger) (*NATS, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(opts.URL, opts.ConnectOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", opts.URL, err)
	}
	return &NATS{conn: conn, prefix: opts.SubjectPrefix, logger: logger}, nil
}

// Attach subscribes the relay to topics on bus, defaulting to every daemon
// topic. The subscription ends when ctx is canceled or the bus closes.
func (r *NATS) Attach(ctx context.Context, bus *events.Bus, topics ...string) error {
	if len(topics) == 0 {
		topics = events.Topics()
	}
	return bus.Subscribe(ctx, r.forward, topics...)
}

// envelope is the JSON shape published to NATS.
type envelope struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func (r *NATS) forward(ev events.Event) {
	data, err := json.Marshal(envelope{Topic: ev.Topic, Event: ev.Name, Data: ev.Data})
	if err != nil {
		r.logger.Warn("Relay: marshal event failed", "topic", ev.Topic, "error", err)
		return
	}
	subject := Subject(r.prefix, ev.Topic)
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Warn("Relay: publish failed", "subject", subject, "error", err)
	}
}

// Subject maps a daemon topic to a NATS subject: with prefix "specdeck",
// "files:updates" becomes "specdeck.files.updates".
func Subject(prefix, topic string) string {
	return prefix + "." + strings.ReplaceAll(topic, ":", ".")
}

// Close flushes pending publishes and closes the connection.
func (r *NATS) Close() {
	if err := r.conn.Flush(); err != nil {
		r.logger.Warn("Relay: flush failed", "error", err)
	}
	r.conn.Close()
}
