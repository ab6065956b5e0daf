// Package compdb implements the compilation-database backend: build settings
// served out of a clang-style compile_commands.json.
package compdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
)

// DatabaseFileName is the file the backend loads from the project root.
const DatabaseFileName = "compile_commands.json"

var (
	ErrDatabaseNotFound = errors.New("compilation database not found")

	log = logger.ForComponent("compdb")
)

// command is one entry of the database. Either Arguments or Command is set.
type command struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Arguments []string `json:"arguments,omitempty"`
	Command   string   `json:"command,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// BuildSystem serves settings from a compilation database. The database is
// reloaded when FilesDidChange reports a change to the database file, and the
// delegate is told which documents' settings changed.
type BuildSystem struct {
	projectRoot       string
	indexStorePath    string
	indexDatabasePath string
	pathMappings      []buildsystem.PathPrefixMapping

	mu       sync.RWMutex
	delegate buildsystem.Delegate
	byFile   map[string]*buildsystem.FileBuildSettings
}

type Options struct {
	ProjectRoot       string
	IndexStorePath    string
	IndexDatabasePath string
	PathMappings      []buildsystem.PathPrefixMapping
}

// New loads the database under opts.ProjectRoot. A missing database is
// ErrDatabaseNotFound so callers can fall through to another backend.
func New(opts Options) (*BuildSystem, error) {
	b := &BuildSystem{
		projectRoot:       opts.ProjectRoot,
		indexStorePath:    opts.IndexStorePath,
		indexDatabasePath: opts.IndexDatabasePath,
		pathMappings:      opts.PathMappings,
		byFile:            make(map[string]*buildsystem.FileBuildSettings),
	}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BuildSystem) databasePath() string {
	return filepath.Join(b.projectRoot, DatabaseFileName)
}

func (b *BuildSystem) reload() error {
	data, err := os.ReadFile(b.databasePath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDatabaseNotFound, b.databasePath())
		}
		return err
	}

	text, err := decodeText(data)
	if err != nil {
		return fmt.Errorf("failed to decode compilation database: %w", err)
	}

	var commands []command
	if err := json.Unmarshal([]byte(text), &commands); err != nil {
		return fmt.Errorf("failed to parse compilation database: %w", err)
	}

	byFile := make(map[string]*buildsystem.FileBuildSettings, len(commands))
	for _, cmd := range commands {
		file := cmd.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(cmd.Directory, file)
		}

		args := cmd.Arguments
		if len(args) == 0 && cmd.Command != "" {
			args = splitCommand(cmd.Command)
		}
		if len(args) > 0 {
			// The first element is the compiler executable itself.
			args = args[1:]
		}

		byFile[file] = &buildsystem.FileBuildSettings{
			CompilerArguments: args,
			WorkingDirectory:  cmd.Directory,
			Language:          buildsystem.LanguageForPath(file),
		}
	}

	b.mu.Lock()
	b.byFile = byFile
	b.mu.Unlock()

	log.Info("compilation database loaded", "entries", len(byFile), "path", b.databasePath())
	return nil
}

func (b *BuildSystem) Name() string              { return "compilation-database" }
func (b *BuildSystem) ProjectRoot() string       { return b.projectRoot }
func (b *BuildSystem) IndexStorePath() string    { return b.indexStorePath }
func (b *BuildSystem) IndexDatabasePath() string { return b.indexDatabasePath }

func (b *BuildSystem) PathPrefixMappings() []buildsystem.PathPrefixMapping {
	return b.pathMappings
}

func (b *BuildSystem) SetDelegate(delegate buildsystem.Delegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegate = delegate
}

func (b *BuildSystem) BuildSettings(ctx context.Context, document buildsystem.DocumentURI, target buildsystem.ConfiguredTarget, language buildsystem.Language) (*buildsystem.FileBuildSettings, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byFile[document.Path()], nil
}

func (b *BuildSystem) ConfiguredTargets(ctx context.Context, document buildsystem.DocumentURI) []buildsystem.ConfiguredTarget {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.byFile[document.Path()]; !ok {
		return nil
	}
	// A compilation database has no target structure; every entry belongs
	// to one synthetic project-wide target.
	return []buildsystem.ConfiguredTarget{{TargetID: "compdb", RunDestinationID: "host"}}
}

func (b *BuildSystem) SourceFiles(ctx context.Context) []buildsystem.SourceFileInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	files := make([]buildsystem.SourceFileInfo, 0, len(b.byFile))
	for file := range b.byFile {
		files = append(files, buildsystem.SourceFileInfo{
			URI:                 buildsystem.FileURI(file),
			IsPartOfRootProject: strings.HasPrefix(file, b.projectRoot),
			// The database carries no test membership; over-approximate.
			MayContainTests: true,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].URI < files[j].URI })
	return files
}

// GenerateBuildGraph re-reads the database file.
func (b *BuildSystem) GenerateBuildGraph(ctx context.Context) error {
	return b.reload()
}

func (b *BuildSystem) TopologicalSort(targets []buildsystem.ConfiguredTarget) ([]buildsystem.ConfiguredTarget, bool) {
	return nil, false
}

func (b *BuildSystem) TargetsDependingOn(targets []buildsystem.ConfiguredTarget) ([]buildsystem.ConfiguredTarget, bool) {
	return nil, false
}

func (b *BuildSystem) Prepare(ctx context.Context, targets []buildsystem.ConfiguredTarget, onResult func(buildsystem.ProcessResult)) error {
	// The database describes how files were compiled; it cannot build.
	return buildsystem.ErrPrepareNotSupported
}

func (b *BuildSystem) RegisterForChangeNotifications(document buildsystem.DocumentURI)   {}
func (b *BuildSystem) UnregisterForChangeNotifications(document buildsystem.DocumentURI) {}

func (b *BuildSystem) FileHandlingCapability(uri buildsystem.DocumentURI) buildsystem.FileHandlingCapability {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.byFile[uri.Path()]; ok {
		return buildsystem.FileHandled
	}
	return buildsystem.FileUnhandled
}

// FilesDidChange reloads the database when it changed on disk and reports
// every document whose settings differ from the previous load.
func (b *BuildSystem) FilesDidChange(events []buildsystem.FileEvent) {
	reload := false
	for _, event := range events {
		if event.URI.Path() == b.databasePath() {
			reload = true
			break
		}
	}
	if !reload {
		return
	}

	b.mu.RLock()
	before := b.byFile
	b.mu.RUnlock()

	if err := b.reload(); err != nil {
		log.Error("failed to reload compilation database", "error", err)
		return
	}

	b.mu.RLock()
	after := b.byFile
	delegate := b.delegate
	b.mu.RUnlock()

	if delegate == nil {
		return
	}

	var changed []buildsystem.DocumentURI
	for file, settings := range after {
		if !settings.Equal(before[file]) {
			changed = append(changed, buildsystem.FileURI(file))
		}
	}
	for file := range before {
		if _, ok := after[file]; !ok {
			changed = append(changed, buildsystem.FileURI(file))
		}
	}

	if len(changed) > 0 {
		delegate.FileBuildSettingsChanged(changed)
	}
	if len(before) != len(after) {
		delegate.SourceFilesChanged()
	}
}

// splitCommand breaks a shell command string into arguments, honoring single
// and double quotes and backslash escapes.
func splitCommand(s string) []string {
	var args []string
	var current strings.Builder
	inSingle, inDouble, escaped, started := false, false, false, false

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
			started = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case (r == ' ' || r == '\t') && !inSingle && !inDouble:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
