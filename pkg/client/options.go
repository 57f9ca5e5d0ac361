package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/specdeck/specdeck/pkg/wire"
)

const (
	// DefaultMaxReconnectAttempts is how many consecutive failed reconnect
	// attempts are made before the client gives up.
	DefaultMaxReconnectAttempts = 10

	// DefaultBackoffBase is the delay before the first reconnect attempt.
	// Each subsequent attempt doubles it.
	DefaultBackoffBase = 1 * time.Second

	// DefaultBackoffMax caps the per-attempt reconnect delay.
	DefaultBackoffMax = 30 * time.Second

	// DefaultConnectionLostAfter is how long an outage must persist before
	// Status escalates to StatusConnectionLost.
	DefaultConnectionLostAfter = 10 * time.Second

	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultReadLimit      = 1 << 20
	defaultEventBuffer    = 256
)

// EventHandler receives broadcast events, one at a time in delivery order.
type EventHandler func(ev wire.Event)

// StatusHandler receives connectivity status transitions. Consecutive
// duplicate statuses are suppressed.
type StatusHandler func(s Status)

type clientConfig struct {
	logger         *slog.Logger
	dialOptions    *websocket.DialOptions
	dialTimeout    time.Duration
	requestTimeout time.Duration
	readLimit      int64
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	lostAfter      time.Duration
	eventHandler   EventHandler
	statusHandler  StatusHandler
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:         slog.Default(),
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
		readLimit:      defaultReadLimit,
		maxAttempts:    DefaultMaxReconnectAttempts,
		backoffBase:    DefaultBackoffBase,
		backoffMax:     DefaultBackoffMax,
		lostAfter:      DefaultConnectionLostAfter,
	}
}

// Option configures a Client during Connect.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets the websocket dial options, for custom HTTP clients or
// headers.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		if opts != nil {
			c.config.dialOptions = opts
		}
	}
}

// WithDialTimeout bounds each connection attempt, handshake included.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.dialTimeout = d
		}
	}
}

// WithRequestTimeout bounds each command round-trip (write plus ack).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.requestTimeout = d
		}
	}
}

// WithMaxReconnectAttempts sets how many consecutive failed reconnect
// attempts are made before the client gives up.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and cap of the exponential reconnect delay.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.config.backoffBase = base
		}
		if max > 0 {
			c.config.backoffMax = max
		}
	}
}

// WithConnectionLostAfter sets how long an outage must persist before Status
// escalates to StatusConnectionLost.
func WithConnectionLostAfter(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.lostAfter = d
		}
	}
}

// WithEventHandler sets the callback invoked for each broadcast event.
func WithEventHandler(handler EventHandler) Option {
	return func(c *Client) {
		c.config.eventHandler = handler
	}
}

// WithStatusHandler sets the callback invoked on connectivity transitions.
func WithStatusHandler(handler StatusHandler) Option {
	return func(c *Client) {
		c.config.statusHandler = handler
	}
}

// Options configures a Client with a plain struct, for callers that assemble
// configuration programmatically. Zero fields keep their defaults.
type Options struct {
	Logger               *slog.Logger
	DialOptions          *websocket.DialOptions
	DialTimeout          time.Duration
	RequestTimeout       time.Duration
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ConnectionLostAfter  time.Duration
	EventHandler         EventHandler
	StatusHandler        StatusHandler
}

// DefaultOptions returns an Options populated with the default values.
func DefaultOptions() Options {
	return Options{
		Logger:               slog.Default(),
		DialOptions:          &websocket.DialOptions{HTTPClient: http.DefaultClient},
		DialTimeout:          defaultDialTimeout,
		RequestTimeout:       defaultRequestTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		BackoffBase:          DefaultBackoffBase,
		BackoffMax:           DefaultBackoffMax,
		ConnectionLostAfter:  DefaultConnectionLostAfter,
	}
}

// ConnectWithOptions dials urlStr configured by opts. Extra functional
// options are applied on top and win on conflict.
func ConnectWithOptions(urlStr string, opts Options, extra ...Option) (*Client, error) {
	var fromStruct []Option
	if opts.Logger != nil {
		fromStruct = append(fromStruct, WithLogger(opts.Logger))
	}
	if opts.DialOptions != nil {
		fromStruct = append(fromStruct, WithDialOptions(opts.DialOptions))
	}
	if opts.DialTimeout > 0 {
		fromStruct = append(fromStruct, WithDialTimeout(opts.DialTimeout))
	}
	if opts.RequestTimeout > 0 {
		fromStruct = append(fromStruct, WithRequestTimeout(opts.RequestTimeout))
	}
	if opts.MaxReconnectAttempts > 0 {
		fromStruct = append(fromStruct, WithMaxReconnectAttempts(opts.MaxReconnectAttempts))
	}
	if opts.BackoffBase > 0 || opts.BackoffMax > 0 {
		fromStruct = append(fromStruct, WithBackoff(opts.BackoffBase, opts.BackoffMax))
	}
	if opts.ConnectionLostAfter > 0 {
		fromStruct = append(fromStruct, WithConnectionLostAfter(opts.ConnectionLostAfter))
	}
	if opts.EventHandler != nil {
		fromStruct = append(fromStruct, WithEventHandler(opts.EventHandler))
	}
	if opts.StatusHandler != nil {
		fromStruct = append(fromStruct, WithStatusHandler(opts.StatusHandler))
	}
	return Connect(urlStr, append(fromStruct, extra...)...)
}
