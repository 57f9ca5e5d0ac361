// Package testutil provides common test utilities for the specdeck realtime
// stack.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/specdeck/specdeck/pkg/hub"
)

// Logger returns a quiet debug-level logger for tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// WaitForSession waits for a session to register with the hub.
// It returns the connection and nil if the session appears within the timeout.
func WaitForSession(t testing.TB, h *hub.Hub, sessionID string, timeout time.Duration) (*hub.Conn, error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c := h.Connection(sessionID); c != nil {
			return c, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("session %s did not register within %v", sessionID, timeout)
}

// WaitForSessionGone waits for a session to leave the hub.
// It returns nil if the session is removed within the timeout.
func WaitForSessionGone(t testing.TB, h *hub.Hub, sessionID string, timeout time.Duration) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Connection(sessionID) == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("session %s did not disconnect within %v", sessionID, timeout)
}

// WaitForConnections waits until the hub reports exactly n registered
// connections.
func WaitForConnections(t testing.TB, h *hub.Hub, n int, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("%d connections", n), timeout, func() bool {
		return h.ConnectionCount() == n
	})
}

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
func WaitFor(t testing.TB, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext waits for a condition to be true with context support.
// It returns an error if the context ends before the condition becomes true.
func WaitForWithContext(ctx context.Context, t testing.TB, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
