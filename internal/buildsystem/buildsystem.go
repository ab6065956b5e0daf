// Package buildsystem unifies incompatible build-information backends behind
// one cached, event-driven interface. The Manager is the only component that
// talks to a backend instance; callers never see backend-specific types.
package buildsystem

import (
	"context"
	"errors"
)

var (
	// ErrPrepareNotSupported is returned when the active backend cannot
	// prepare targets for indexing. Not fatal: indexing continues with
	// unresolved imports reported best-effort.
	ErrPrepareNotSupported = errors.New("build system does not support preparation")

	// ErrBuildGraphGeneration wraps a backend's graph construction failure.
	ErrBuildGraphGeneration = errors.New("build graph generation failed")

	ErrManagerClosed = errors.New("build system manager is closed")
)

// Delegate receives backend-originated change events. The Manager implements
// it; backends hold it only through SetDelegate.
type Delegate interface {
	// FileBuildSettingsChanged signals that settings for the given
	// documents may have changed and must be re-queried.
	FileBuildSettingsChanged(documents []DocumentURI)

	// SourceFilesChanged signals that the backend's source file list
	// changed, e.g. after files were added to or removed from a target.
	SourceFilesChanged()
}

// BuildSystem is the capability contract every backend adapter satisfies.
// Absence of information is not an error: BuildSettings returns (nil, nil)
// when nothing is known yet, and the sort/dependency queries report
// unsupported through their ok result rather than inventing an answer.
type BuildSystem interface {
	Name() string

	// Construction-time properties of the adapter.
	ProjectRoot() string
	IndexStorePath() string
	IndexDatabasePath() string
	PathPrefixMappings() []PathPrefixMapping

	SetDelegate(delegate Delegate)

	// BuildSettings returns the compiler invocation for document in target,
	// or (nil, nil) when the backend has none yet.
	BuildSettings(ctx context.Context, document DocumentURI, target ConfiguredTarget, language Language) (*FileBuildSettings, error)

	// ConfiguredTargets enumerates the targets document belongs to.
	ConfiguredTargets(ctx context.Context, document DocumentURI) []ConfiguredTarget

	// SourceFiles enumerates every source file the backend knows about.
	SourceFiles(ctx context.Context) []SourceFileInfo

	// GenerateBuildGraph (re)constructs the backend's compilation graph.
	GenerateBuildGraph(ctx context.Context) error

	// TopologicalSort orders targets with dependencies before dependents.
	// ok is false when the backend cannot provide an ordering.
	TopologicalSort(targets []ConfiguredTarget) (sorted []ConfiguredTarget, ok bool)

	// TargetsDependingOn computes reverse dependencies of targets. ok is
	// false when unsupported; callers must then assume everything depends
	// on everything, never that nothing does.
	TargetsDependingOn(targets []ConfiguredTarget) (dependents []ConfiguredTarget, ok bool)

	// Prepare builds the targets' dependencies sufficiently for semantic
	// analysis, invoking onResult once per spawned process. Backends that
	// cannot prepare return ErrPrepareNotSupported.
	Prepare(ctx context.Context, targets []ConfiguredTarget, onResult func(ProcessResult)) error

	RegisterForChangeNotifications(document DocumentURI)
	UnregisterForChangeNotifications(document DocumentURI)

	// FileHandlingCapability ranks how well this backend can serve uri.
	FileHandlingCapability(uri DocumentURI) FileHandlingCapability

	// FilesDidChange routes raw file-system events to the backend.
	FilesDidChange(events []FileEvent)
}
