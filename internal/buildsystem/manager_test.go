package buildsystem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/taskscheduler"
)

type fakeBuildSystem struct {
	mu           sync.Mutex
	settings     map[DocumentURI]*FileBuildSettings
	settingsErr  error
	targets      map[DocumentURI][]ConfiguredTarget
	delegate     Delegate
	queryCount   map[DocumentURI]int
	queryGate    chan struct{} // when non-nil, BuildSettings blocks on it
	graphErr     error
	graphCount   int64
	graphGate    chan struct{}
	prepare      func(ctx context.Context, targets []ConfiguredTarget, onResult func(ProcessResult)) error
	registered   map[DocumentURI]int
	unregistered map[DocumentURI]int
}

func newFakeBuildSystem() *fakeBuildSystem {
	return &fakeBuildSystem{
		settings:     make(map[DocumentURI]*FileBuildSettings),
		targets:      make(map[DocumentURI][]ConfiguredTarget),
		queryCount:   make(map[DocumentURI]int),
		registered:   make(map[DocumentURI]int),
		unregistered: make(map[DocumentURI]int),
	}
}

func (f *fakeBuildSystem) setSettings(doc DocumentURI, s *FileBuildSettings) {
	f.mu.Lock()
	f.settings[doc] = s
	f.mu.Unlock()
}

func (f *fakeBuildSystem) Name() string                            { return "fake" }
func (f *fakeBuildSystem) ProjectRoot() string                     { return "/proj" }
func (f *fakeBuildSystem) IndexStorePath() string                  { return "" }
func (f *fakeBuildSystem) IndexDatabasePath() string               { return "" }
func (f *fakeBuildSystem) PathPrefixMappings() []PathPrefixMapping { return nil }

func (f *fakeBuildSystem) SetDelegate(d Delegate) {
	f.mu.Lock()
	f.delegate = d
	f.mu.Unlock()
}

func (f *fakeBuildSystem) BuildSettings(ctx context.Context, doc DocumentURI, target ConfiguredTarget, lang Language) (*FileBuildSettings, error) {
	f.mu.Lock()
	f.queryCount[doc]++
	gate := f.queryGate
	settings, err := f.settings[doc], f.settingsErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
		// Re-read: the test may have swapped values while we were blocked.
		f.mu.Lock()
		settings, err = f.settings[doc], f.settingsErr
		f.mu.Unlock()
	}
	return settings, err
}

func (f *fakeBuildSystem) ConfiguredTargets(ctx context.Context, doc DocumentURI) []ConfiguredTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[doc]
}

func (f *fakeBuildSystem) SourceFiles(ctx context.Context) []SourceFileInfo { return nil }

func (f *fakeBuildSystem) GenerateBuildGraph(ctx context.Context) error {
	atomic.AddInt64(&f.graphCount, 1)
	f.mu.Lock()
	gate := f.graphGate
	err := f.graphErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeBuildSystem) TopologicalSort(targets []ConfiguredTarget) ([]ConfiguredTarget, bool) {
	return nil, false
}

func (f *fakeBuildSystem) TargetsDependingOn(targets []ConfiguredTarget) ([]ConfiguredTarget, bool) {
	return nil, false
}

func (f *fakeBuildSystem) Prepare(ctx context.Context, targets []ConfiguredTarget, onResult func(ProcessResult)) error {
	f.mu.Lock()
	prepare := f.prepare
	f.mu.Unlock()
	if prepare == nil {
		return ErrPrepareNotSupported
	}
	return prepare(ctx, targets, onResult)
}

func (f *fakeBuildSystem) RegisterForChangeNotifications(doc DocumentURI) {
	f.mu.Lock()
	f.registered[doc]++
	f.mu.Unlock()
}

func (f *fakeBuildSystem) UnregisterForChangeNotifications(doc DocumentURI) {
	f.mu.Lock()
	f.unregistered[doc]++
	f.mu.Unlock()
}

func (f *fakeBuildSystem) FileHandlingCapability(uri DocumentURI) FileHandlingCapability {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.settings[uri]; ok {
		return FileHandled
	}
	return FileUnhandled
}

func (f *fakeBuildSystem) FilesDidChange(events []FileEvent) {}

func newTestManager(t *testing.T, backend BuildSystem) (*Manager, *taskscheduler.Scheduler) {
	t.Helper()
	scheduler := taskscheduler.New(4)
	m, err := NewManager(backend, scheduler, ManagerConfig{
		SettingsDebounce:    20 * time.Millisecond,
		SourceFilesDebounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.Close()
		scheduler.Shutdown()
	})
	return m, scheduler
}

func TestBuildSettingsUnknownDocument(t *testing.T) {
	backend := newFakeBuildSystem()
	m, _ := newTestManager(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	settings, err := m.BuildSettings(ctx, "file:///never/registered.swift", ConfiguredTarget{}, LanguageSwift)
	if err != nil {
		t.Fatalf("absence must not be an error, got %v", err)
	}
	if settings != nil {
		t.Errorf("expected no settings, got %+v", settings)
	}
}

func TestRegisterDeliversInitialNotification(t *testing.T) {
	backend := newFakeBuildSystem()
	m, _ := newTestManager(t, backend)

	doc := DocumentURI("file:///proj/empty.swift")
	notified := make(chan *FileBuildSettings, 1)

	id := m.RegisterForChangeNotifications(doc, func(d DocumentURI, s *FileBuildSettings) {
		notified <- s
	})
	if id == uuid.Nil {
		t.Fatal("registration failed")
	}

	select {
	case s := <-notified:
		if s != nil {
			t.Errorf("expected absent settings in initial notification, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial notification delivered")
	}

	backend.mu.Lock()
	regs := backend.registered[doc]
	backend.mu.Unlock()
	if regs != 1 {
		t.Errorf("expected one backend registration, got %d", regs)
	}
}

func TestConcurrentQueriesCoalesce(t *testing.T) {
	backend := newFakeBuildSystem()
	doc := DocumentURI("file:///proj/a.swift")
	backend.setSettings(doc, &FileBuildSettings{
		CompilerArguments: []string{"-O"},
		WorkingDirectory:  "/proj",
		Language:          LanguageSwift,
	})
	backend.queryGate = make(chan struct{})

	m, _ := newTestManager(t, backend)

	ctx := context.Background()
	results := make(chan *FileBuildSettings, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := m.BuildSettings(ctx, doc, ConfiguredTarget{TargetID: "t"}, LanguageSwift)
			if err != nil {
				t.Error(err)
			}
			results <- s
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(backend.queryGate)

	first, second := <-results, <-results
	if !first.Equal(second) {
		t.Error("coalesced callers observed different results")
	}

	backend.mu.Lock()
	queries := backend.queryCount[doc]
	backend.mu.Unlock()
	if queries != 1 {
		t.Errorf("expected exactly one backend query, got %d", queries)
	}
}

func TestSettingsChangeEndToEnd(t *testing.T) {
	backend := newFakeBuildSystem()
	doc := DocumentURI("file:///proj/a.swift")
	target := ConfiguredTarget{TargetID: "lib"}
	initial := &FileBuildSettings{
		CompilerArguments: []string{"-O"},
		WorkingDirectory:  "/proj",
		Language:          LanguageSwift,
	}
	backend.setSettings(doc, initial)

	m, _ := newTestManager(t, backend)

	var notifications int64
	seen := make(chan *FileBuildSettings, 4)
	m.RegisterForChangeNotifications(doc, func(d DocumentURI, s *FileBuildSettings) {
		atomic.AddInt64(&notifications, 1)
		seen <- s
	})

	// Initial notification carries the current settings.
	select {
	case s := <-seen:
		if !s.Equal(initial) {
			t.Fatalf("initial notification mismatch: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial notification")
	}

	got, err := m.BuildSettings(context.Background(), doc, target, LanguageSwift)
	if err != nil || !got.Equal(initial) {
		t.Fatalf("expected initial settings, got %+v, %v", got, err)
	}

	updated := &FileBuildSettings{
		CompilerArguments: []string{"-O0"},
		WorkingDirectory:  "/proj",
		Language:          LanguageSwift,
	}
	backend.setSettings(doc, updated)
	backend.delegate.FileBuildSettingsChanged([]DocumentURI{doc})

	select {
	case s := <-seen:
		if !s.Equal(updated) {
			t.Fatalf("change notification mismatch: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	got, err = m.BuildSettings(context.Background(), doc, target, LanguageSwift)
	if err != nil || !got.Equal(updated) {
		t.Fatalf("expected updated settings, got %+v, %v", got, err)
	}

	if n := atomic.LoadInt64(&notifications); n != 2 {
		t.Errorf("expected initial + one change notification, got %d", n)
	}
}

func TestNoOpChangeSuppressed(t *testing.T) {
	backend := newFakeBuildSystem()
	doc := DocumentURI("file:///proj/a.swift")
	backend.setSettings(doc, &FileBuildSettings{
		CompilerArguments: []string{"-O"},
		Language:          LanguageSwift,
	})

	m, _ := newTestManager(t, backend)

	var notifications int64
	m.RegisterForChangeNotifications(doc, func(DocumentURI, *FileBuildSettings) {
		atomic.AddInt64(&notifications, 1)
	})

	// Let the initial notification land, then signal a change that does
	// not actually alter the settings.
	time.Sleep(100 * time.Millisecond)
	backend.delegate.FileBuildSettingsChanged([]DocumentURI{doc})
	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt64(&notifications); n != 1 {
		t.Errorf("expected identical snapshot to be suppressed, got %d notifications", n)
	}
}

func TestLastKnownGoodRetainedOnFailure(t *testing.T) {
	backend := newFakeBuildSystem()
	doc := DocumentURI("file:///proj/a.swift")
	good := &FileBuildSettings{CompilerArguments: []string{"-O"}, Language: LanguageSwift}
	backend.setSettings(doc, good)

	m, _ := newTestManager(t, backend)
	target := ConfiguredTarget{TargetID: "lib"}

	if _, err := m.BuildSettings(context.Background(), doc, target, LanguageSwift); err != nil {
		t.Fatal(err)
	}

	backend.mu.Lock()
	backend.settingsErr = errors.New("backend exploded")
	backend.mu.Unlock()
	backend.delegate.FileBuildSettingsChanged([]DocumentURI{doc})
	time.Sleep(100 * time.Millisecond)

	got, err := m.BuildSettings(context.Background(), doc, target, LanguageSwift)
	if err != nil {
		t.Fatalf("expected last-known-good settings, got error %v", err)
	}
	if !got.Equal(good) {
		t.Errorf("expected retained settings %+v, got %+v", good, got)
	}
}

func TestPrepareNotSupported(t *testing.T) {
	backend := newFakeBuildSystem()
	m, _ := newTestManager(t, backend)

	err := m.Prepare(context.Background(), []ConfiguredTarget{{TargetID: "lib"}}, func(ProcessResult) {})
	if !errors.Is(err, ErrPrepareNotSupported) {
		t.Errorf("expected ErrPrepareNotSupported, got %v", err)
	}
}

func TestPrepareForwardsProcessResults(t *testing.T) {
	backend := newFakeBuildSystem()
	backend.prepare = func(ctx context.Context, targets []ConfiguredTarget, onResult func(ProcessResult)) error {
		for _, target := range targets {
			onResult(ProcessResult{Target: target, ExitCode: 0})
		}
		return nil
	}

	m, _ := newTestManager(t, backend)

	var results []ProcessResult
	var mu sync.Mutex
	err := m.Prepare(context.Background(),
		[]ConfiguredTarget{{TargetID: "a"}, {TargetID: "b"}},
		func(r ProcessResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Errorf("expected one callback per process, got %d", len(results))
	}
}

func TestGenerateBuildGraphFailure(t *testing.T) {
	backend := newFakeBuildSystem()
	backend.graphErr = errors.New("resolution failed")

	m, _ := newTestManager(t, backend)

	err := m.GenerateBuildGraph(context.Background())
	if !errors.Is(err, ErrBuildGraphGeneration) {
		t.Errorf("expected ErrBuildGraphGeneration, got %v", err)
	}
}

func TestGenerateBuildGraphCoalesces(t *testing.T) {
	backend := newFakeBuildSystem()
	backend.graphGate = make(chan struct{})

	m, _ := newTestManager(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.GenerateBuildGraph(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(backend.graphGate)
	wg.Wait()

	if n := atomic.LoadInt64(&backend.graphCount); n != 1 {
		t.Errorf("expected one graph generation for concurrent callers, got %d", n)
	}
}

func TestUnsupportedQueries(t *testing.T) {
	backend := newFakeBuildSystem()
	m, _ := newTestManager(t, backend)

	if _, ok := m.TopologicalSort([]ConfiguredTarget{{TargetID: "a"}}); ok {
		t.Error("expected topological sort to be unsupported")
	}
	if _, ok := m.TargetsDependingOn([]ConfiguredTarget{{TargetID: "a"}}); ok {
		t.Error("expected reverse-dependency query to be unsupported")
	}
}

func TestUnregisterStopsNotifications(t *testing.T) {
	backend := newFakeBuildSystem()
	doc := DocumentURI("file:///proj/a.swift")
	m, _ := newTestManager(t, backend)

	var notifications int64
	id := m.RegisterForChangeNotifications(doc, func(DocumentURI, *FileBuildSettings) {
		atomic.AddInt64(&notifications, 1)
	})
	time.Sleep(100 * time.Millisecond)

	m.UnregisterForChangeNotifications(doc, id)
	backend.delegate.FileBuildSettingsChanged([]DocumentURI{doc})
	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt64(&notifications); n != 1 {
		t.Errorf("expected only the initial notification, got %d", n)
	}

	backend.mu.Lock()
	unregs := backend.unregistered[doc]
	backend.mu.Unlock()
	if unregs != 1 {
		t.Errorf("expected backend unregistration, got %d", unregs)
	}
}

func TestReconfigureSwapsBackend(t *testing.T) {
	oldBackend := newFakeBuildSystem()
	doc := DocumentURI("file:///proj/a.swift")
	oldBackend.setSettings(doc, &FileBuildSettings{CompilerArguments: []string{"-old"}, Language: LanguageSwift})

	m, _ := newTestManager(t, oldBackend)

	seen := make(chan *FileBuildSettings, 4)
	m.RegisterForChangeNotifications(doc, func(d DocumentURI, s *FileBuildSettings) {
		seen <- s
	})
	<-seen

	newSettings := &FileBuildSettings{CompilerArguments: []string{"-new"}, Language: LanguageSwift}
	newBackend := newFakeBuildSystem()
	newBackend.setSettings(doc, newSettings)

	if err := m.Reconfigure(context.Background(), newBackend); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-seen:
		if !s.Equal(newSettings) {
			t.Errorf("expected new backend settings after reconfigure, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after reconfigure")
	}

	got, err := m.BuildSettings(context.Background(), doc, ConfiguredTarget{}, LanguageSwift)
	if err != nil || !got.Equal(newSettings) {
		t.Errorf("expected new backend to serve queries, got %+v, %v", got, err)
	}
}

func TestSourceFilesChangedFanOut(t *testing.T) {
	backend := newFakeBuildSystem()
	m, _ := newTestManager(t, backend)

	var calls int64
	m.RegisterForSourceFilesChanged(func() { atomic.AddInt64(&calls, 1) })

	// A burst collapses into one callback.
	backend.mu.Lock()
	delegate := backend.delegate
	backend.mu.Unlock()
	delegate.SourceFilesChanged()
	delegate.SourceFilesChanged()
	delegate.SourceFilesChanged()

	time.Sleep(150 * time.Millisecond)
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("expected one coalesced callback, got %d", n)
	}
}
