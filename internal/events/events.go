// Package events defines the daemon's domain events and an in-process bus
// that decouples event producers (store watcher, route handlers) from the
// realtime hub. A Bridge subscribes to bus topics and forwards each event to
// the hub as a broadcast.
package events

import "github.com/specdeck/specdeck/pkg/wire"

// Event names carried in the wire frame's event field.
const (
	FileChanged  = "file_changed"
	FileRemoved  = "file_removed"
	FileError    = "file_error"
	InboxChanged = "inbox_changed"
)

// Event is one domain event addressed to a topic.
type Event struct {
	Topic string
	Name  string
	Data  any
}

// FileUpdate is the payload for file change events on files:updates.
type FileUpdate struct {
	Path   string `json:"path"`
	Change string `json:"change"`
}

// FileFailure is the payload for parse or validation failures on
// files:errors.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// InboxUpdate is the payload for inbox mutations on inbox:updates.
type InboxUpdate struct {
	Path   string `json:"path"`
	Change string `json:"change"`
}

// Topics returns every topic the daemon publishes on.
func Topics() []string {
	return []string{
		wire.TopicFileUpdates,
		wire.TopicFileErrors,
		wire.TopicInboxUpdates,
	}
}
