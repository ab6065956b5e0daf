package watcher

import (
	"sync"
	"time"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
)

// batcher coalesces raw events per document and flushes a batch once the
// window elapses or the batch cap is hit. Later events for the same
// document replace earlier ones.
type batcher struct {
	window   time.Duration
	maxBatch int
	events   map[buildsystem.DocumentURI]buildsystem.FileEvent
	mu       sync.Mutex
	timer    *time.Timer
	onFlush  func([]buildsystem.FileEvent)
	stopped  bool
}

func newBatcher(window time.Duration, maxBatch int, onFlush func([]buildsystem.FileEvent)) *batcher {
	return &batcher{
		window:   window,
		maxBatch: maxBatch,
		events:   make(map[buildsystem.DocumentURI]buildsystem.FileEvent),
		onFlush:  onFlush,
	}
}

func (b *batcher) Add(event buildsystem.FileEvent) {
	b.mu.Lock()

	if b.stopped {
		b.mu.Unlock()
		return
	}

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	b.events[event.URI] = event

	if len(b.events) >= b.maxBatch {
		b.flushLocked()
		return
	}

	b.timer = time.AfterFunc(b.window, func() {
		b.mu.Lock()
		if !b.stopped {
			b.flushLocked()
		} else {
			b.mu.Unlock()
		}
	})

	b.mu.Unlock()
}

// flushLocked releases the mutex before invoking the callback.
func (b *batcher) flushLocked() {
	events := make([]buildsystem.FileEvent, 0, len(b.events))
	for _, event := range b.events {
		events = append(events, event)
	}

	b.events = make(map[buildsystem.DocumentURI]buildsystem.FileEvent)

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	b.mu.Unlock()

	if len(events) > 0 && b.onFlush != nil {
		b.onFlush(events)
	}
}

func (b *batcher) Stop() {
	b.mu.Lock()

	if b.stopped {
		b.mu.Unlock()
		return
	}

	b.stopped = true

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	if len(b.events) > 0 {
		b.flushLocked()
	} else {
		b.mu.Unlock()
	}
}
