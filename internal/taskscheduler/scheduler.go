// Package taskscheduler runs opaque background jobs with bounded concurrency,
// honoring priority, submission order, and inter-job dependencies. It knows
// nothing about build settings or backends.
package taskscheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
)

var (
	ErrSchedulerShutDown = errors.New("scheduler is shut down")

	log = logger.ForComponent("scheduler")
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	// PriorityUrgent is reserved for work that must never queue behind
	// ordinary jobs, such as build-graph generation.
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
	// StatusDependencyFailed marks a job that was skipped because a job it
	// depends on failed or was cancelled. It is never re-attempted.
	StatusDependencyFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusDependencyFailed:
		return "dependency-failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusDependencyFailed:
		return true
	default:
		return false
	}
}

// Task is a handle to one submitted job. Mutable fields are guarded by the
// owning scheduler's mutex until the task reaches a terminal status.
type Task struct {
	name     string
	priority Priority
	seq      uint64
	deps     []*Task
	run      func(ctx context.Context) error

	status    Status
	err       error
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (t *Task) Name() string { return t.name }

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task reaches a terminal status or ctx is done.
func (t *Task) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return StatusPending, ctx.Err()
	}
	return t.status, t.err
}

// Result returns the terminal status and error, blocking until terminal.
func (t *Task) Result() (Status, error) {
	<-t.done
	return t.status, t.err
}

type Scheduler struct {
	maxConcurrent int

	mu         sync.Mutex
	pending    []*Task
	runningSet map[*Task]struct{}
	running    int
	nextSeq    uint64
	shutDown   bool
	idle       *sync.Cond
}

// New creates a scheduler running at most maxConcurrent jobs in parallel.
// A non-positive bound falls back to the host core count.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	s := &Scheduler{
		maxConcurrent: maxConcurrent,
		runningSet:    make(map[*Task]struct{}),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Submit queues run with the given priority. deps, if any, must complete
// before run starts; if a dependency fails or is cancelled the task resolves
// as dependency-failed without executing. Submitting after Shutdown returns a
// task already resolved as cancelled.
func (s *Scheduler) Submit(name string, priority Priority, deps []*Task, run func(ctx context.Context) error) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Task{
		name:     name,
		priority: priority,
		seq:      s.nextSeq,
		deps:     deps,
		run:      run,
		done:     make(chan struct{}),
	}
	s.nextSeq++

	if s.shutDown {
		t.status = StatusCancelled
		t.err = ErrSchedulerShutDown
		close(t.done)
		return t
	}

	s.pending = append(s.pending, t)
	log.Debug("job submitted", "name", name, "priority", priority.String())
	s.dispatchLocked()
	return t
}

// Cancel removes a pending task from the queue or requests termination of a
// running one. The task resolves with a cancellation status, not an error.
func (s *Scheduler) Cancel(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.status {
	case StatusPending:
		s.removePendingLocked(t)
		t.status = StatusCancelled
		close(t.done)
		log.Debug("pending job cancelled", "name", t.name)
		s.dispatchLocked()
	case StatusRunning:
		t.cancelled = true
		t.cancel()
		log.Debug("running job cancellation requested", "name", t.name)
	}
}

// Shutdown cancels every pending and running job, waits for running jobs to
// resolve, and rejects new submissions.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()

	if s.shutDown {
		s.mu.Unlock()
		return
	}
	s.shutDown = true

	cancelled := s.pending
	s.pending = nil
	for _, t := range cancelled {
		t.status = StatusCancelled
		close(t.done)
	}

	var cancels []context.CancelFunc
	for t := range s.runningSet {
		t.cancelled = true
		cancels = append(cancels, t.cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	s.mu.Lock()
	for s.running > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()

	log.Info("scheduler shut down")
}

func (s *Scheduler) removePendingLocked(t *Task) {
	for i, p := range s.pending {
		if p == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// dispatchLocked starts every eligible task while capacity remains. Among
// ready tasks, strictly higher priority runs first; equal priority runs in
// submission order.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.maxConcurrent {
		t := s.takeReadyLocked()
		if t == nil {
			return
		}
		s.startLocked(t)
	}
}

// takeReadyLocked removes and returns the best runnable pending task. Tasks
// whose dependency failed or was cancelled are resolved as dependency-failed
// in passing.
func (s *Scheduler) takeReadyLocked() *Task {
rescan:
	for {
		var best *Task
		bestIdx := -1

		for i, t := range s.pending {
			ready, depFailed := depState(t)
			if depFailed {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				t.status = StatusDependencyFailed
				close(t.done)
				log.Debug("job skipped", "name", t.name, "reason", "dependency failed")
				continue rescan
			}
			if !ready {
				continue
			}
			if best == nil || t.priority > best.priority ||
				(t.priority == best.priority && t.seq < best.seq) {
				best = t
				bestIdx = i
			}
		}

		if best == nil {
			return nil
		}
		s.pending = append(s.pending[:bestIdx], s.pending[bestIdx+1:]...)
		return best
	}
}

func depState(t *Task) (ready, depFailed bool) {
	for _, dep := range t.deps {
		switch dep.status {
		case StatusSucceeded:
		case StatusFailed, StatusCancelled, StatusDependencyFailed:
			return false, true
		default:
			return false, false
		}
	}
	return true, false
}

func (s *Scheduler) startLocked(t *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	t.status = StatusRunning
	t.cancel = cancel
	s.running++
	s.runningSet[t] = struct{}{}

	go func() {
		err := t.run(ctx)
		cancel()

		s.mu.Lock()
		s.running--
		delete(s.runningSet, t)

		switch {
		case t.cancelled || errors.Is(err, context.Canceled):
			t.status = StatusCancelled
		case err != nil:
			t.status = StatusFailed
			t.err = err
		default:
			t.status = StatusSucceeded
		}
		close(t.done)

		if !s.shutDown {
			s.dispatchLocked()
		}
		s.idle.Broadcast()
		s.mu.Unlock()
	}()
}
