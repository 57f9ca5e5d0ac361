// Package storewatch watches the on-disk YAML store and turns filesystem
// activity into domain events. Changes are debounced per path, YAML files are
// parse-checked before a change is announced, and failures surface on the
// files:errors topic instead of files:updates.
package storewatch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/specdeck/specdeck/internal/events"
	"github.com/specdeck/specdeck/pkg/wire"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher observes a store root recursively and publishes settled changes to
// the event bus.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	bus      *events.Bus
	logger   *slog.Logger
	patterns []string
	debounce time.Duration

	pendingMu sync.Mutex
	pending   map[string]pendingChange

	done     chan struct{}
	stopOnce sync.Once
}

type pendingChange struct {
	at     time.Time
	change string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger for the watcher.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithPatterns sets the base-name patterns of files the watcher reports.
func WithPatterns(patterns ...string) Option {
	return func(w *Watcher) {
		if len(patterns) > 0 {
			w.patterns = patterns
		}
	}
}

// WithDebounce sets how long a path must stay quiet before its change is
// published.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher for the store rooted at root, publishing to bus.
func New(root string, bus *events.Bus, opts ...Option) (*Watcher, error) {
	if bus == nil {
		return nil, errors.New("nil event bus")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		watcher:  fsw,
		root:     filepath.Clean(root),
		bus:      bus,
		logger:   slog.Default(),
		patterns: []string{"*.yaml", "*.yml", "*.md"},
		debounce: defaultDebounce,
		pending:  make(map[string]pendingChange),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start registers the store tree with fsnotify and begins publishing.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk store root: %w", err)
	}
	w.logger.Info("watching store", "root", w.root, "debounce", w.debounce)
	go w.watchLoop()
	return nil
}

// Stop ends watching. Pending unsettled changes are discarded.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) watchLoop() {
	// Tick well below the debounce so settled changes publish promptly.
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New subdirectory: watch it so files created inside are seen.
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Error("watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
		w.record(event.Name, "create")
	case event.Has(fsnotify.Write):
		w.record(event.Name, "write")
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.record(event.Name, "remove")
	}
}

func (w *Watcher) record(path, change string) {
	if !w.matchesPattern(path) {
		return
	}
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if prev, ok := w.pending[path]; ok {
		// A write right after a create still settles as a create.
		if prev.change == "create" && change == "write" {
			change = "create"
		}
	}
	w.pending[path] = pendingChange{at: time.Now(), change: change}
}

// flushSettled publishes every pending change whose path has been quiet for
// the full debounce window, one event per path.
func (w *Watcher) flushSettled() {
	now := time.Now()
	var settled []struct {
		path   string
		change string
	}
	w.pendingMu.Lock()
	for path, pc := range w.pending {
		if now.Sub(pc.at) >= w.debounce {
			settled = append(settled, struct {
				path   string
				change string
			}{path, pc.change})
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, s := range settled {
		w.publish(s.path, s.change)
	}
}

func (w *Watcher) publish(path, change string) {
	rel := w.relPath(path)

	if change == "remove" {
		w.logger.Info("store file removed", "path", rel)
		w.bus.Publish(events.Event{
			Topic: w.topicFor(rel),
			Name:  w.removeName(rel),
			Data:  events.FileUpdate{Path: rel, Change: change},
		})
		return
	}

	if err := w.checkFile(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between the event and the flush.
			w.publish(path, "remove")
			return
		}
		w.logger.Warn("store file failed validation", "path", rel, "error", err)
		w.bus.Publish(events.Event{
			Topic: wire.TopicFileErrors,
			Name:  events.FileError,
			Data:  events.FileFailure{Path: rel, Error: err.Error()},
		})
		return
	}

	w.logger.Info("store file changed", "path", rel, "change", change)
	w.bus.Publish(events.Event{
		Topic: w.topicFor(rel),
		Name:  w.changeName(rel),
		Data:  events.FileUpdate{Path: rel, Change: change},
	})
}

// checkFile parse-checks YAML store files. Other tracked files only need to
// be readable.
func (w *Watcher) checkFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	}
	return nil
}

func (w *Watcher) relPath(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// topicFor routes inbox paths to the inbox topic and everything else to the
// general file topic.
func (w *Watcher) topicFor(rel string) string {
	if isInboxPath(rel) {
		return wire.TopicInboxUpdates
	}
	return wire.TopicFileUpdates
}

func (w *Watcher) changeName(rel string) string {
	if isInboxPath(rel) {
		return events.InboxChanged
	}
	return events.FileChanged
}

func (w *Watcher) removeName(rel string) string {
	if isInboxPath(rel) {
		return events.InboxChanged
	}
	return events.FileRemoved
}

func isInboxPath(rel string) bool {
	return rel == "inbox" || strings.HasPrefix(rel, "inbox/")
}

func (w *Watcher) matchesPattern(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			w.logger.Error("bad watch pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
