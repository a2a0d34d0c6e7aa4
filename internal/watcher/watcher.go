// Package watcher bridges filesystem change notifications on unit sources
// to hot-swap requests on the workflows that own those units.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"coursepilot/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Target is a live owner of hot-reloadable units, normally a workflow.
type Target interface {
	ID() string
	HotSwap(ctx context.Context, unitID int) error
}

// Changer decides whether an event on path carries new content.
type Changer interface {
	Changed(path string) bool
}

// Forgetter is implemented by changers that cache per-path state. Forget is
// called once the last registration of a path is dropped.
type Forgetter interface {
	Forget(path string)
}

// Stats tracks watcher activity.
type Stats struct {
	Events        int
	Spurious      int
	SwapsTried    int
	SwapsFailed   int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

type registration struct {
	unitID int
	target Target
}

// Watcher watches registered unit sources. Directories are watched rather
// than files so that editors replacing a file on save are still seen.
type Watcher struct {
	mu          sync.RWMutex
	fs          *fsnotify.Watcher
	changer     Changer
	regs        map[string][]registration // by absolute source path
	dirs        map[string]int            // watched directory refcounts
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats

	now func() time.Time
}

// New creates a Watcher. changer may be nil, in which case every settled
// event is treated as a change.
func New(changer Changer, debounce time.Duration) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		fs:          fs,
		changer:     changer,
		regs:        map[string][]registration{},
		dirs:        map[string]int{},
		debounceMap: map[string]time.Time{},
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		now:         time.Now,
	}, nil
}

// Register associates a source path with a unit of target.
func (w *Watcher) Register(path string, unitID int, target Target) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.regs[abs] {
		if r.target == target && r.unitID == unitID {
			return nil
		}
	}
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		logging.Watcher("Watching directory: %s", dir)
	}
	w.dirs[dir]++
	w.regs[abs] = append(w.regs[abs], registration{unitID: unitID, target: target})
	logging.WatcherDebug("Registered %s unit %d -> %s", target.ID(), unitID, abs)
	return nil
}

// Unregister drops every registration of target.
func (w *Watcher) Unregister(target Target) {
	var dropped []string
	w.mu.Lock()
	for path, regs := range w.regs {
		kept := regs[:0]
		for _, r := range regs {
			if r.target == target {
				w.releaseDir(filepath.Dir(path))
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(w.regs, path)
			delete(w.debounceMap, path)
			dropped = append(dropped, path)
		} else {
			w.regs[path] = kept
		}
	}
	w.mu.Unlock()

	if f, ok := w.changer.(Forgetter); ok {
		for _, path := range dropped {
			f.Forget(path)
		}
	}
}

func (w *Watcher) releaseDir(dir string) {
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return
	}
	delete(w.dirs, dir)
	if err := w.fs.Remove(dir); err != nil {
		logging.WatcherDebug("Remove watch %s: %v", dir, err)
	}
}

// Registered returns the number of (path, unit, target) registrations.
func (w *Watcher) Registered() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, regs := range w.regs {
		n += len(regs)
	}
	return n
}

// Start begins processing events in a goroutine. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
}

// Stop stops the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.fs.Close(); err != nil {
		logging.WatcherError("Error closing watcher: %v", err)
	}
	logging.Watcher("Watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watcher("Watcher context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.WatcherError("fsnotify error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents(ctx)
		}
	}
}

// handleEvent records an event on a registered source for later processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return // remove and chmod never carry new content
	}

	path := filepath.Clean(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.regs[path]; !ok {
		return
	}
	w.stats.Events++
	w.stats.LastEventTime = w.now()
	w.stats.LastEventPath = path
	w.stats.LastEventType = eventType
	w.debounceMap[path] = w.now()
	logging.WatcherDebug("%s event for %s", eventType, path)
}

// processDebouncedEvents hot swaps the owners of every source whose events
// have settled past the debounce window.
func (w *Watcher) processDebouncedEvents(ctx context.Context) {
	w.mu.Lock()
	now := w.now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.dispatch(ctx, path)
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	if w.changer != nil && !w.changer.Changed(path) {
		logging.WatcherDebug("Ignoring spurious event for %s", path)
		w.mu.Lock()
		w.stats.Spurious++
		w.mu.Unlock()
		return
	}

	w.mu.RLock()
	regs := append([]registration(nil), w.regs[path]...)
	w.mu.RUnlock()

	logging.Watcher("Source changed: %s (%d owner(s))", path, len(regs))
	for _, r := range regs {
		err := r.target.HotSwap(ctx, r.unitID)
		w.mu.Lock()
		w.stats.SwapsTried++
		if err != nil {
			w.stats.SwapsFailed++
		}
		w.mu.Unlock()
		if err != nil {
			logging.WatcherWarn("Hot swap of %s unit %d failed: %v", r.target.ID(), r.unitID, err)
		}
	}
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching returns true if the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
