package hub

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	// defaultSendBuffer is the per-connection outbound queue capacity. The
	// queue doubles as the backpressure threshold: a broadcast that finds the
	// queue full is dropped for that connection only.
	defaultSendBuffer = 64

	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20 // 1MB per frame
)

type hubConfig struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	sendBuffer    int
	writeTimeout  time.Duration
	readLimit     int64
}

// Option configures the Hub.
type Option func(*Hub)

// WithLogger sets the structured logger used by the hub and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.cfg.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions for the upgrade
// handler.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Hub) {
		h.cfg.acceptOptions = opts
	}
}

// WithSendBuffer sets the per-connection outbound queue capacity, which is
// also the backpressure threshold: broadcasts to a connection whose queue is
// full are dropped for that connection. Default is 64 frames.
func WithSendBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.cfg.sendBuffer = size
		}
	}
}

// WithWriteTimeout bounds a single frame write to a connection.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *Hub) {
		if timeout > 0 {
			h.cfg.writeTimeout = timeout
		}
	}
}

// WithReadLimit caps the size of a single inbound frame in bytes.
func WithReadLimit(limit int64) Option {
	return func(h *Hub) {
		if limit > 0 {
			h.cfg.readLimit = limit
		}
	}
}

// Options contains configuration values for creating a Hub with
// NewWithOptions. All fields have defaults provided by DefaultOptions.
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// AcceptOptions configures WebSocket accept behavior.
	AcceptOptions *websocket.AcceptOptions

	// SendBuffer is the per-connection outbound queue capacity and the
	// backpressure threshold. Must be greater than 0. Defaults to 64.
	SendBuffer int

	// WriteTimeout bounds a single frame write. Defaults to 10 seconds.
	WriteTimeout time.Duration

	// ReadLimit caps a single inbound frame in bytes. Defaults to 1MB.
	ReadLimit int64
}

// DefaultOptions returns an Options struct populated with the hub defaults.
func DefaultOptions() Options {
	return Options{
		Logger:       slog.Default(),
		SendBuffer:   defaultSendBuffer,
		WriteTimeout: defaultWriteTimeout,
		ReadLimit:    defaultReadLimit,
	}
}

// NewWithOptions creates a Hub from an Options struct. Additional functional
// options may be supplied and override values from the struct.
func NewWithOptions(opts Options, extra ...Option) (*Hub, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	fns := []Option{WithLogger(opts.Logger), WithAcceptOptions(opts.AcceptOptions)}
	if opts.SendBuffer > 0 {
		fns = append(fns, WithSendBuffer(opts.SendBuffer))
	}
	if opts.WriteTimeout > 0 {
		fns = append(fns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.ReadLimit > 0 {
		fns = append(fns, WithReadLimit(opts.ReadLimit))
	}
	fns = append(fns, extra...)
	return New(fns...), nil
}

func validateOptions(opts Options) error {
	if opts.SendBuffer < 0 {
		return errors.New("SendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.ReadLimit < 0 {
		return errors.New("ReadLimit must be non-negative")
	}
	return nil
}
