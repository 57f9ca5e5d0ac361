// Package specdeck re-exports the daemon's realtime building blocks so
// embedders need a single import: the websocket hub, the Go client and the
// embedded browser connector.
package specdeck

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/specdeck/specdeck/assets"
	"github.com/specdeck/specdeck/pkg/client"
	"github.com/specdeck/specdeck/pkg/hub"
	"github.com/specdeck/specdeck/pkg/wire"
)

// Re-export core types.
type (
	Hub           = hub.Hub
	HubOptions    = hub.Options
	Conn          = hub.Conn
	Heartbeat     = hub.Heartbeat
	Stats         = hub.Stats
	Client        = client.Client
	ClientOptions = client.Options
	ClientStatus  = client.Status
	Event         = wire.Event
	Command       = wire.Command
	Ack           = wire.Ack
	Connected     = wire.Connected
)

// Re-export error values callers are expected to branch on.
var (
	ErrHubClosed      = hub.ErrHubClosed
	ErrUnknownSession = hub.ErrUnknownSession
	ErrClientClosed   = client.ErrClosed
	ErrNotConnected   = client.ErrNotConnected
)

// Topics served by the daemon.
const (
	TopicFileUpdates  = wire.TopicFileUpdates
	TopicFileErrors   = wire.TopicFileErrors
	TopicInboxUpdates = wire.TopicInboxUpdates
)

// NewHub creates a connection registry with functional options.
func NewHub(opts ...hub.Option) *hub.Hub {
	return hub.New(opts...)
}

// NewHubWithOptions creates a connection registry from an Options struct.
func NewHubWithOptions(opts hub.Options, extra ...hub.Option) (*hub.Hub, error) {
	return hub.NewWithOptions(opts, extra...)
}

// DefaultHubOptions returns the hub defaults.
func DefaultHubOptions() hub.Options {
	return hub.DefaultOptions()
}

// NewHeartbeat creates a ping/pong liveness monitor for a hub.
func NewHeartbeat(interval, timeout time.Duration, logger *slog.Logger) *hub.Heartbeat {
	return hub.NewHeartbeat(interval, timeout, logger)
}

// Connect dials a daemon and returns a reconnecting client.
func Connect(url string, opts ...client.Option) (*client.Client, error) {
	return client.Connect(url, opts...)
}

// ConnectWithOptions dials a daemon using an Options struct.
func ConnectWithOptions(url string, opts client.Options, extra ...client.Option) (*client.Client, error) {
	return client.ConnectWithOptions(url, opts, extra...)
}

// DefaultClientOptions returns the client defaults.
func DefaultClientOptions() client.Options {
	return client.DefaultOptions()
}

// ScriptHandler serves the embedded browser connector.
func ScriptHandler() http.Handler {
	return assets.ScriptHandler()
}

// ClientScript returns the embedded browser connector source.
func ClientScript(minified bool) ([]byte, error) {
	return assets.Script(minified)
}
