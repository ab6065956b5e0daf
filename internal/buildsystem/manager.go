package buildsystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/debounce"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/taskscheduler"
)

var log = logger.ForComponent("buildsystem")

type ManagerConfig struct {
	// SettingsCacheSize bounds the per-(document, target) settings cache.
	SettingsCacheSize int

	// SettingsDebounce coalesces bursts of settings-changed events for the
	// same document; SourceFilesDebounce does the same for file-list
	// changes across the whole manager.
	SettingsDebounce    time.Duration
	SourceFilesDebounce time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SettingsCacheSize:   1024,
		SettingsDebounce:    100 * time.Millisecond,
		SourceFilesDebounce: 300 * time.Millisecond,
	}
}

type settingsKey struct {
	document DocumentURI
	target   ConfiguredTarget
	language Language
}

type entryState int

const (
	entryPending entryState = iota
	entryKnown
	entryStale
)

// settingsEntry is one cached settings slot. Entries move Pending -> Known ->
// Stale and back to Pending on the next access; there is no terminal state.
type settingsEntry struct {
	state    entryState
	settings *FileBuildSettings
	err      error
	ready    chan struct{} // non-nil while a backend query is in flight
}

type subscription struct {
	target   ConfiguredTarget
	language Language
	callback func(DocumentURI, *FileBuildSettings)
	last     *FileBuildSettings
	notified bool
}

const fileListDebounceKey = "source-files"

// Manager owns the single active backend, caches per-file build settings,
// fans out debounced change notifications, and schedules graph generation and
// preparation through the task scheduler. It is the Delegate of its backend.
type Manager struct {
	config    ManagerConfig
	scheduler *taskscheduler.Scheduler

	mu           sync.Mutex
	backend      BuildSystem
	cache        *lru.Cache[settingsKey, *settingsEntry]
	subscribers  map[DocumentURI]map[uuid.UUID]*subscription
	fileListSubs map[uuid.UUID]func()
	docTargets   map[DocumentURI][]ConfiguredTarget
	graphTask    *taskscheduler.Task
	prepareTasks map[*taskscheduler.Task]struct{}
	closed       bool

	settingsDebounce *debounce.Debouncer[DocumentURI]
	fileListDebounce *debounce.Debouncer[string]

	notifyMu       sync.Mutex
	notifyQueue    []func()
	notifyCond     *sync.Cond
	notifyClosed   bool
	dispatcherDone chan struct{}
}

// NewManager wires backend and scheduler into a manager. The manager installs
// itself as the backend's delegate; the scheduler stays owned by the caller.
func NewManager(backend BuildSystem, scheduler *taskscheduler.Scheduler, config ManagerConfig) (*Manager, error) {
	if config.SettingsCacheSize <= 0 {
		config.SettingsCacheSize = DefaultManagerConfig().SettingsCacheSize
	}
	if config.SettingsDebounce <= 0 {
		config.SettingsDebounce = DefaultManagerConfig().SettingsDebounce
	}
	if config.SourceFilesDebounce <= 0 {
		config.SourceFilesDebounce = DefaultManagerConfig().SourceFilesDebounce
	}

	cache, err := lru.New[settingsKey, *settingsEntry](config.SettingsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings cache: %w", err)
	}

	m := &Manager{
		config:           config,
		scheduler:        scheduler,
		backend:          backend,
		cache:            cache,
		subscribers:      make(map[DocumentURI]map[uuid.UUID]*subscription),
		fileListSubs:     make(map[uuid.UUID]func()),
		docTargets:       make(map[DocumentURI][]ConfiguredTarget),
		prepareTasks:     make(map[*taskscheduler.Task]struct{}),
		settingsDebounce: debounce.New[DocumentURI](config.SettingsDebounce),
		fileListDebounce: debounce.New[string](config.SourceFilesDebounce),
		dispatcherDone:   make(chan struct{}),
	}
	m.notifyCond = sync.NewCond(&m.notifyMu)

	backend.SetDelegate(m)
	go m.dispatch()

	log.Info("build system manager created", "backend", backend.Name())
	return m, nil
}

// BuildSettings returns cached settings for document in target, querying the
// backend on a miss. (nil, nil) means no settings are known yet; callers
// treat that as "use fallback", not failure. Concurrent callers for the same
// key share one in-flight backend query.
func (m *Manager) BuildSettings(ctx context.Context, document DocumentURI, target ConfiguredTarget, language Language) (*FileBuildSettings, error) {
	key := settingsKey{document: document, target: target, language: language}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	e, ok := m.cache.Get(key)
	if ok {
		switch e.state {
		case entryKnown:
			settings := e.settings
			m.mu.Unlock()
			return settings, nil
		case entryPending:
			ready := e.ready
			m.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()
			settings, err := e.settings, e.err
			m.mu.Unlock()
			return settings, err
		case entryStale:
			// Re-enter pending below, keeping last-known-good on failure.
		}
	} else {
		e = &settingsEntry{}
		m.cache.Add(key, e)
	}

	e.state = entryPending
	e.err = nil
	e.ready = make(chan struct{})
	backend := m.backend
	m.mu.Unlock()

	settings, err := backend.BuildSettings(ctx, document, target, language)

	m.mu.Lock()
	ready := e.ready
	e.ready = nil
	switch {
	case err != nil && e.settings != nil:
		// Operational failure: the document keeps its last-known-good
		// settings instead of dropping to unknown.
		e.state = entryKnown
		log.Warn("settings query failed, serving last known settings",
			"document", document, "error", err)
		settings, err = e.settings, nil
	case err != nil:
		e.err = err
		m.cache.Remove(key)
		log.Error("settings query failed", "document", document, "error", err)
	default:
		e.state = entryKnown
		e.settings = settings
	}
	close(ready)
	m.mu.Unlock()

	return settings, err
}

// ConfiguredTargets delegates directly; the query is backend-local and cheap.
func (m *Manager) ConfiguredTargets(ctx context.Context, document DocumentURI) []ConfiguredTarget {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	backend := m.backend
	m.mu.Unlock()
	return backend.ConfiguredTargets(ctx, document)
}

// SourceFiles delegates to the active backend.
func (m *Manager) SourceFiles(ctx context.Context) []SourceFileInfo {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	backend := m.backend
	m.mu.Unlock()
	return backend.SourceFiles(ctx)
}

// GenerateBuildGraph regenerates the backend's compilation graph as a single
// highest-priority scheduler job. Concurrent callers await the same in-flight
// result rather than re-triggering.
func (m *Manager) GenerateBuildGraph(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	task := m.graphTask
	if task == nil {
		backend := m.backend
		task = m.scheduler.Submit("generate-build-graph", taskscheduler.PriorityUrgent, nil,
			func(jobCtx context.Context) error {
				if err := backend.GenerateBuildGraph(jobCtx); err != nil {
					return fmt.Errorf("%w: %v", ErrBuildGraphGeneration, err)
				}
				m.refreshAfterGraphChange(jobCtx, backend)
				return nil
			})
		m.graphTask = task

		go func() {
			<-task.Done()
			m.mu.Lock()
			if m.graphTask == task {
				m.graphTask = nil
			}
			m.mu.Unlock()
		}()
	}
	m.mu.Unlock()

	_, err := task.Wait(ctx)
	return err
}

// refreshAfterGraphChange invalidates cached settings for documents whose
// configured-target set changed and re-notifies their subscribers.
func (m *Manager) refreshAfterGraphChange(ctx context.Context, backend BuildSystem) {
	m.mu.Lock()
	docs := make([]DocumentURI, 0, len(m.docTargets))
	for doc := range m.docTargets {
		docs = append(docs, doc)
	}
	m.mu.Unlock()

	for _, doc := range docs {
		targets := backend.ConfiguredTargets(ctx, doc)

		m.mu.Lock()
		if targetsEqual(m.docTargets[doc], targets) {
			m.mu.Unlock()
			continue
		}
		m.docTargets[doc] = targets
		for _, sub := range m.subscribers[doc] {
			if len(targets) > 0 {
				sub.target = targets[0]
			}
		}
		m.invalidateLocked(doc)
		m.mu.Unlock()

		m.notifyDocument(doc)
	}
}

// TopologicalSort returns a dependency-respecting target order, or ok=false
// when the backend cannot provide one. The manager never invents an ordering;
// a wrong guess is worse than none.
func (m *Manager) TopologicalSort(targets []ConfiguredTarget) ([]ConfiguredTarget, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false
	}
	backend := m.backend
	m.mu.Unlock()
	return backend.TopologicalSort(targets)
}

// TargetsDependingOn returns reverse dependencies, or ok=false when the
// backend cannot tell. Callers treat false as "everything depends on these".
func (m *Manager) TargetsDependingOn(targets []ConfiguredTarget) ([]ConfiguredTarget, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false
	}
	backend := m.backend
	m.mu.Unlock()
	return backend.TargetsDependingOn(targets)
}

// Prepare builds the targets' dependencies for indexing through the task
// scheduler, invoking onResult once per spawned process.
func (m *Manager) Prepare(ctx context.Context, targets []ConfiguredTarget, onResult func(ProcessResult)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	backend := m.backend
	task := m.scheduler.Submit("prepare", taskscheduler.PriorityLow, nil,
		func(jobCtx context.Context) error {
			return backend.Prepare(jobCtx, targets, onResult)
		})
	m.prepareTasks[task] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-task.Done()
		m.mu.Lock()
		delete(m.prepareTasks, task)
		m.mu.Unlock()
	}()

	_, err := task.Wait(ctx)
	return err
}

// FileHandlingCapability delegates; callers use it to rank candidate sources.
func (m *Manager) FileHandlingCapability(uri DocumentURI) FileHandlingCapability {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return FileUnhandled
	}
	backend := m.backend
	m.mu.Unlock()
	return backend.FileHandlingCapability(uri)
}

// FilesDidChange routes raw file-system events to the active backend.
// Backend-originated change events come back through the Delegate methods.
func (m *Manager) FilesDidChange(events []FileEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	backend := m.backend
	m.mu.Unlock()
	backend.FilesDidChange(events)
}

// RegisterForChangeNotifications subscribes callback to settings changes for
// document. One notification with the current (possibly absent) settings is
// always delivered asynchronously after registering, so callers can tell
// "not yet known" from "will never be told". Returns the subscription ID.
func (m *Manager) RegisterForChangeNotifications(document DocumentURI, callback func(DocumentURI, *FileBuildSettings)) uuid.UUID {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil
	}
	backend := m.backend
	m.mu.Unlock()

	targets := backend.ConfiguredTargets(context.Background(), document)
	var target ConfiguredTarget
	if len(targets) > 0 {
		target = targets[0]
	}

	id := uuid.New()
	sub := &subscription{
		target:   target,
		language: LanguageForPath(document.Path()),
		callback: callback,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil
	}
	first := len(m.subscribers[document]) == 0
	if m.subscribers[document] == nil {
		m.subscribers[document] = make(map[uuid.UUID]*subscription)
	}
	m.subscribers[document][id] = sub
	m.docTargets[document] = targets
	m.mu.Unlock()

	if first {
		backend.RegisterForChangeNotifications(document)
	}
	m.notifyDocument(document)
	return id
}

// UnregisterForChangeNotifications removes one subscription. When the last
// subscriber of a document goes away its cache entries are dropped and the
// backend stops watching it.
func (m *Manager) UnregisterForChangeNotifications(document DocumentURI, id uuid.UUID) {
	m.mu.Lock()
	subs, ok := m.subscribers[document]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(m.subscribers, document)
		delete(m.docTargets, document)
		m.dropCachedLocked(document)
	}
	backend := m.backend
	closed := m.closed
	m.mu.Unlock()

	if last {
		m.settingsDebounce.Cancel(document)
		if !closed {
			backend.UnregisterForChangeNotifications(document)
		}
	}
}

// RegisterForSourceFilesChanged subscribes callback to source-file-list
// changes (push model, no polling).
func (m *Manager) RegisterForSourceFilesChanged(callback func()) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return uuid.Nil
	}
	id := uuid.New()
	m.fileListSubs[id] = callback
	return id
}

func (m *Manager) UnregisterForSourceFilesChanged(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fileListSubs, id)
}

// FileBuildSettingsChanged implements Delegate. Events are debounced per
// document; invalidation always happens before the subscriber notification.
func (m *Manager) FileBuildSettingsChanged(documents []DocumentURI) {
	for _, doc := range documents {
		doc := doc
		m.settingsDebounce.Schedule(doc, func() {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.invalidateLocked(doc)
			m.mu.Unlock()
			m.notifyDocument(doc)
		})
	}
}

// SourceFilesChanged implements Delegate, debounced per manager instance.
func (m *Manager) SourceFilesChanged() {
	m.fileListDebounce.Schedule(fileListDebounceKey, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		callbacks := make([]func(), 0, len(m.fileListSubs))
		for _, cb := range m.fileListSubs {
			callbacks = append(callbacks, cb)
		}
		m.mu.Unlock()

		m.enqueue(func() {
			for _, cb := range callbacks {
				cb()
			}
		})
	})
}

// Reconfigure swaps the active backend. Outstanding preparation jobs for the
// old backend are cancelled and a shared in-flight graph generation is
// drained, never cancelled, before the swap.
func (m *Manager) Reconfigure(ctx context.Context, backend BuildSystem) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	old := m.backend
	graph := m.graphTask
	prepares := make([]*taskscheduler.Task, 0, len(m.prepareTasks))
	for t := range m.prepareTasks {
		prepares = append(prepares, t)
	}
	m.mu.Unlock()

	for _, t := range prepares {
		m.scheduler.Cancel(t)
	}
	if graph != nil {
		if _, err := graph.Wait(ctx); err != nil {
			return err
		}
	}
	for _, t := range prepares {
		if _, err := t.Wait(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	docs := make([]DocumentURI, 0, len(m.subscribers))
	for doc := range m.subscribers {
		docs = append(docs, doc)
	}
	m.backend = backend
	m.cache.Purge()
	m.docTargets = make(map[DocumentURI][]ConfiguredTarget)
	m.mu.Unlock()

	for _, doc := range docs {
		old.UnregisterForChangeNotifications(doc)
	}
	backend.SetDelegate(m)

	for _, doc := range docs {
		backend.RegisterForChangeNotifications(doc)
		targets := backend.ConfiguredTargets(ctx, doc)

		m.mu.Lock()
		m.docTargets[doc] = targets
		for _, sub := range m.subscribers[doc] {
			sub.target = ConfiguredTarget{}
			if len(targets) > 0 {
				sub.target = targets[0]
			}
			sub.notified = false
		}
		m.mu.Unlock()

		m.notifyDocument(doc)
	}

	log.Info("build system reconfigured", "backend", backend.Name())
	return nil
}

// Close stops dispatching and debouncing and cancels outstanding preparation
// jobs. The scheduler itself stays up; its owner shuts it down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	backend := m.backend
	docs := make([]DocumentURI, 0, len(m.subscribers))
	for doc := range m.subscribers {
		docs = append(docs, doc)
	}
	prepares := make([]*taskscheduler.Task, 0, len(m.prepareTasks))
	for t := range m.prepareTasks {
		prepares = append(prepares, t)
	}
	m.mu.Unlock()

	m.settingsDebounce.Stop()
	m.fileListDebounce.Stop()

	for _, t := range prepares {
		m.scheduler.Cancel(t)
	}
	for _, doc := range docs {
		backend.UnregisterForChangeNotifications(doc)
	}

	m.notifyMu.Lock()
	m.notifyClosed = true
	m.notifyCond.Broadcast()
	m.notifyMu.Unlock()
	<-m.dispatcherDone

	log.Info("build system manager closed")
	return nil
}

// invalidateLocked marks every cached entry of document stale. Known values
// stay behind as last-known-good; in-flight queries are left to resolve.
func (m *Manager) invalidateLocked(document DocumentURI) {
	for _, key := range m.cache.Keys() {
		if key.document != document {
			continue
		}
		if e, ok := m.cache.Peek(key); ok && e.state == entryKnown {
			e.state = entryStale
		}
	}
}

func (m *Manager) dropCachedLocked(document DocumentURI) {
	for _, key := range m.cache.Keys() {
		if key.document == document {
			m.cache.Remove(key)
		}
	}
}

// notifyDocument queues one ordered notification pass for document. The
// dispatcher re-queries settings and suppresses deliveries equal to the last
// notified snapshot, except for the guaranteed initial notification.
func (m *Manager) notifyDocument(document DocumentURI) {
	m.enqueue(func() {
		m.mu.Lock()
		subs := make(map[uuid.UUID]*subscription, len(m.subscribers[document]))
		for id, sub := range m.subscribers[document] {
			subs[id] = sub
		}
		m.mu.Unlock()

		for id, sub := range subs {
			settings, err := m.BuildSettings(context.Background(), document, sub.target, sub.language)
			if err != nil {
				log.Warn("skipping notification, settings unavailable",
					"document", document, "error", err)
				continue
			}

			m.mu.Lock()
			current, alive := m.subscribers[document][id]
			if !alive || (current.notified && current.last.Equal(settings)) {
				m.mu.Unlock()
				continue
			}
			current.last = settings
			current.notified = true
			callback := current.callback
			m.mu.Unlock()

			callback(document, settings)
		}
	})
}

// dispatch delivers queued notifications in order on a single goroutine, so
// subscribers observe changes for a document in the order they occurred.
func (m *Manager) dispatch() {
	defer close(m.dispatcherDone)
	for {
		m.notifyMu.Lock()
		for len(m.notifyQueue) == 0 && !m.notifyClosed {
			m.notifyCond.Wait()
		}
		if len(m.notifyQueue) == 0 && m.notifyClosed {
			m.notifyMu.Unlock()
			return
		}
		fn := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		m.notifyMu.Unlock()

		fn()
	}
}

func (m *Manager) enqueue(fn func()) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if m.notifyClosed {
		return
	}
	m.notifyQueue = append(m.notifyQueue, fn)
	m.notifyCond.Signal()
}

func targetsEqual(a, b []ConfiguredTarget) bool {
	if len(a) != len(b) {
		return false
	}
	for i, target := range a {
		if b[i] != target {
			return false
		}
	}
	return true
}
