// Package watcher observes workspace roots through fsnotify and forwards
// batched file events to the build system manager.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
)

var log = logger.ForComponent("watcher")

// Sink receives coalesced file-event batches. *buildsystem.Manager
// satisfies it.
type Sink interface {
	FilesDidChange(events []buildsystem.FileEvent)
}

type Watcher struct {
	config      Config
	fsWatcher   *fsnotify.Watcher
	fsWatcherMu sync.Mutex
	batcher     *batcher
	sink        Sink
	roots       []string
	mu          sync.RWMutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

func New(config Config, sink Sink) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:    config,
		fsWatcher: fsWatcher,
		sink:      sink,
		roots:     make([]string, 0),
	}

	w.batcher = newBatcher(config.DebounceWindow, config.MaxBatchSize, w.onFlush)

	return w, nil
}

func (w *Watcher) addToWatcher(path string) error {
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Add(path)
}

func (w *Watcher) removeFromWatcher(path string) {
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	w.fsWatcher.Remove(path)
}

func (w *Watcher) AddRoot(path string) error {
	log.Info("adding root to watch", "path", path)

	if err := w.addToWatcher(path); err != nil {
		return err
	}

	w.mu.Lock()
	w.roots = append(w.roots, path)
	w.mu.Unlock()

	return w.walkAndAdd(path)
}

// walkAndAdd registers every non-ignored subdirectory. fsnotify watches
// are not recursive.
func (w *Watcher) walkAndAdd(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.Debug("failed to read directory", "path", path, "error", err)
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		fullPath := filepath.Join(path, entry.Name())
		if w.shouldIgnore(fullPath) {
			continue
		}

		if err := w.addToWatcher(fullPath); err != nil {
			log.Debug("failed to watch directory", "path", fullPath, "error", err)
			continue
		}
		w.walkAndAdd(fullPath)
	}

	return nil
}

func (w *Watcher) RemoveRoot(path string) error {
	w.removeFromWatcher(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	for i, root := range w.roots {
		if root == path {
			w.roots = append(w.roots[:i], w.roots[i+1:]...)
			break
		}
	}

	return nil
}

func (w *Watcher) Start(ctx context.Context) error {
	log.Info("starting file watcher")

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	go w.handleEvents()

	return nil
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			log.Debug("file event", "path", event.Name, "op", event.Op.String())

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.shouldIgnore(event.Name) {
						if err := w.addToWatcher(event.Name); err == nil {
							w.walkAndAdd(event.Name)
						}
					}
				}
			}

			fileEvent := w.convertEvent(event)
			if fileEvent != nil {
				w.batcher.Add(*fileEvent)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Debug("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) *buildsystem.FileEvent {
	if w.shouldIgnore(event.Name) {
		return nil
	}

	var eventType buildsystem.FileEventType

	switch {
	case event.Has(fsnotify.Create):
		eventType = buildsystem.FileCreated
	case event.Has(fsnotify.Write):
		eventType = buildsystem.FileModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename leaves the old path gone; the new path arrives as a
		// separate create event.
		eventType = buildsystem.FileDeleted
	default:
		return nil
	}

	return &buildsystem.FileEvent{
		URI:       buildsystem.FileURI(event.Name),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

func (w *Watcher) onFlush(events []buildsystem.FileEvent) {
	if len(events) == 0 || w.sink == nil {
		return
	}

	log.Debug("flushing events", "count", len(events))
	w.sink.FilesDidChange(events)
}

func (w *Watcher) shouldIgnore(path string) bool {
	basename := filepath.Base(path)

	if !w.config.WatchHidden && strings.HasPrefix(basename, ".") {
		return true
	}

	for _, pattern := range w.config.IgnorePatterns {
		if match, _ := doublestar.Match(pattern, path); match {
			return true
		}
	}

	return false
}

func (w *Watcher) Stop() error {
	log.Info("stopping file watcher")

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}

	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.batcher.Stop()

	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Close()
}
