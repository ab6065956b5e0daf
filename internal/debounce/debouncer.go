// Package debounce coalesces repeated triggers for the same key into a single
// delayed action. It is used to collapse bursts of file-change notifications
// into one rebuild signal.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs the most recently scheduled action for a key once the key has
// been quiet for the configured delay. Keys are independent: scheduling one
// key never delays or cancels another.
type Debouncer[K comparable] struct {
	delay   time.Duration
	mu      sync.Mutex
	pending map[K]*pendingAction
	stopped bool
}

type pendingAction struct {
	timer  *time.Timer
	action func()
}

func New[K comparable](delay time.Duration) *Debouncer[K] {
	return &Debouncer[K]{
		delay:   delay,
		pending: make(map[K]*pendingAction),
	}
}

// Schedule arms (or re-arms) the timer for key. If an action is already
// pending for key, its timer restarts and the newly supplied action replaces
// the old one; the action runs exactly once, delay after the last call.
func (d *Debouncer[K]) Schedule(key K, action func()) {
	d.ScheduleAfter(key, d.delay, action)
}

// ScheduleAfter is Schedule with an explicit delay for this key.
func (d *Debouncer[K]) ScheduleAfter(key K, delay time.Duration, action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	p := &pendingAction{action: action}
	p.timer = time.AfterFunc(delay, func() {
		d.fire(key, p)
	})
	d.pending[key] = p
}

func (d *Debouncer[K]) fire(key K, p *pendingAction) {
	d.mu.Lock()
	current, ok := d.pending[key]
	if !ok || current != p || d.stopped {
		// A newer schedule or a cancel superseded this timer.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.action()
}

// Cancel removes a pending action for key without running it.
func (d *Debouncer[K]) Cancel(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports whether an action is currently scheduled for key.
func (d *Debouncer[K]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every pending action and refuses further scheduling.
func (d *Debouncer[K]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true

	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
