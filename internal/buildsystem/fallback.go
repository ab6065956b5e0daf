package buildsystem

import (
	"context"
	"sync"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/toolchain"
)

// FallbackBuildSystem is the last-resort backend used when no real build
// system can serve a project. It derives minimal compiler invocations from
// the default toolchain and never learns about targets or dependencies.
type FallbackBuildSystem struct {
	projectRoot string
	toolchains  *toolchain.Registry
	extraFlags  []string

	mu       sync.Mutex
	delegate Delegate
}

func NewFallbackBuildSystem(projectRoot string, toolchains *toolchain.Registry, extraFlags []string) *FallbackBuildSystem {
	return &FallbackBuildSystem{
		projectRoot: projectRoot,
		toolchains:  toolchains,
		extraFlags:  extraFlags,
	}
}

func (b *FallbackBuildSystem) Name() string        { return "fallback" }
func (b *FallbackBuildSystem) ProjectRoot() string { return b.projectRoot }

func (b *FallbackBuildSystem) IndexStorePath() string                  { return "" }
func (b *FallbackBuildSystem) IndexDatabasePath() string               { return "" }
func (b *FallbackBuildSystem) PathPrefixMappings() []PathPrefixMapping { return nil }

func (b *FallbackBuildSystem) SetDelegate(delegate Delegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegate = delegate
}

func (b *FallbackBuildSystem) BuildSettings(ctx context.Context, document DocumentURI, target ConfiguredTarget, language Language) (*FileBuildSettings, error) {
	if language == LanguageUnknown {
		language = LanguageForPath(document.Path())
	}
	if language == LanguageUnknown {
		return nil, nil
	}

	// Without a compiler toolchain there is nothing sensible to report.
	if _, err := b.toolchains.Default(); err != nil {
		return nil, nil
	}

	args := make([]string, 0, len(b.extraFlags)+1)
	args = append(args, b.extraFlags...)
	args = append(args, document.Path())

	return &FileBuildSettings{
		CompilerArguments: args,
		WorkingDirectory:  b.projectRoot,
		Language:          language,
	}, nil
}

func (b *FallbackBuildSystem) ConfiguredTargets(ctx context.Context, document DocumentURI) []ConfiguredTarget {
	// A single synthetic target covers the whole project.
	return []ConfiguredTarget{{TargetID: "fallback", RunDestinationID: "host"}}
}

func (b *FallbackBuildSystem) SourceFiles(ctx context.Context) []SourceFileInfo {
	return nil
}

func (b *FallbackBuildSystem) GenerateBuildGraph(ctx context.Context) error {
	return nil
}

func (b *FallbackBuildSystem) TopologicalSort(targets []ConfiguredTarget) ([]ConfiguredTarget, bool) {
	return nil, false
}

func (b *FallbackBuildSystem) TargetsDependingOn(targets []ConfiguredTarget) ([]ConfiguredTarget, bool) {
	return nil, false
}

func (b *FallbackBuildSystem) Prepare(ctx context.Context, targets []ConfiguredTarget, onResult func(ProcessResult)) error {
	return ErrPrepareNotSupported
}

func (b *FallbackBuildSystem) RegisterForChangeNotifications(document DocumentURI)   {}
func (b *FallbackBuildSystem) UnregisterForChangeNotifications(document DocumentURI) {}

func (b *FallbackBuildSystem) FileHandlingCapability(uri DocumentURI) FileHandlingCapability {
	if LanguageForPath(uri.Path()) == LanguageUnknown {
		return FileUnhandled
	}
	return FileFallback
}

func (b *FallbackBuildSystem) FilesDidChange(events []FileEvent) {}
