package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsguardian/fsguardian/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	watchEventBufferSize   = 64
	defaultDebounceTimeout = 100 * time.Millisecond
)

// EventKind classifies a change notification.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
)

// ChangeEvent is one debounced filesystem change inside a watched tree.
// Events are best-effort hints: they invalidate cached fingerprints for
// the next run and never mutate an in-flight snapshot.
type ChangeEvent struct {
	Kind    EventKind
	Tree    Tree
	RelPath string
}

// Watcher observes one tree recursively and emits debounced change
// events. Writes arrive from the OS as bursts; per-path timers collapse
// each burst into a single event.
type Watcher struct {
	root   string
	tree   Tree
	ignore *IgnoreList

	rawEvents chan notify.EventInfo
	events    chan ChangeEvent
	done      chan struct{}
	wg        sync.WaitGroup

	debounceMu      sync.Mutex
	pendingEvents   map[string]ChangeEvent
	eventTimers     map[string]*time.Timer
	debounceTimeout time.Duration
	closed          bool // events channel closed, guarded by debounceMu
}

func NewWatcher(root string, tree Tree, ignore *IgnoreList) *Watcher {
	return &Watcher{
		root:            root,
		tree:            tree,
		ignore:          ignore,
		done:            make(chan struct{}),
		pendingEvents:   make(map[string]ChangeEvent),
		eventTimers:     make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

// SetDebounceTimeout overrides the per-path debounce window.
func (w *Watcher) SetDebounceTimeout(timeout time.Duration) {
	w.debounceTimeout = timeout
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.root, "tree", string(w.tree))

	w.rawEvents = make(chan notify.EventInfo, watchEventBufferSize)
	w.events = make(chan ChangeEvent, watchEventBufferSize)

	recursivePath := w.root + "/..."
	if err := notify.Watch(recursivePath, w.rawEvents, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.filterEvents(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()
	slog.Info("watcher stopped", "dir", w.root)
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// filterEvents drops paths outside the sync scope and debounces the
// rest.
func (w *Watcher) filterEvents(ctx context.Context) {
	defer func() {
		// Closing under the mutex keeps a late debounce timer from
		// sending on the closed channel.
		w.debounceMu.Lock()
		for path, timer := range w.eventTimers {
			timer.Stop()
			delete(w.eventTimers, path)
			delete(w.pendingEvents, path)
		}
		w.closed = true
		close(w.events)
		w.debounceMu.Unlock()

		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.rawEvents:
			if !ok {
				return
			}
			ce, ok := w.classify(event)
			if !ok {
				continue
			}
			w.debounce(ce)
		}
	}
}

// classify maps a raw notification onto the sync-relative event, or
// rejects it when the path is outside scope.
func (w *Watcher) classify(event notify.EventInfo) (ChangeEvent, bool) {
	rel, err := filepath.Rel(w.root, event.Path())
	if err != nil || strings.HasPrefix(rel, "..") {
		return ChangeEvent{}, false
	}
	relPath := utils.NormPath(rel)

	if w.ignore.ShouldIgnore(relPath) {
		return ChangeEvent{}, false
	}

	kind := EventModified
	switch event.Event() {
	case notify.Create:
		kind = EventCreated
	case notify.Remove, notify.Rename:
		kind = EventDeleted
	}
	return ChangeEvent{Kind: kind, Tree: w.tree, RelPath: relPath}, true
}

// debounce collapses event bursts for one path into the newest event,
// flushed after a quiet period.
func (w *Watcher) debounce(ce ChangeEvent) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.eventTimers[ce.RelPath]; exists {
		timer.Stop()
		delete(w.eventTimers, ce.RelPath)
	}
	w.pendingEvents[ce.RelPath] = ce

	w.eventTimers[ce.RelPath] = time.AfterFunc(w.debounceTimeout, func() {
		w.flush(ce.RelPath)
	})
}

func (w *Watcher) flush(relPath string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	ce, exists := w.pendingEvents[relPath]
	if !exists {
		return
	}
	delete(w.pendingEvents, relPath)
	delete(w.eventTimers, relPath)
	if w.closed {
		return
	}

	select {
	case w.events <- ce:
		slog.Debug("watcher", "event", string(ce.Kind), "path", ce.RelPath)
	default:
		slog.Warn("watcher dropped event", "reason", "channel full", "path", ce.RelPath)
	}
}
