package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
)

var (
	ErrNoToolchainFound = errors.New("no toolchain found")

	log = logger.ForComponent("toolchain")
)

// EnvSearchPaths is the environment variable holding an OS path list of extra
// toolchain install locations.
const EnvSearchPaths = "SOURCEKIT_TOOLCHAIN_PATH"

type RegistryConfig struct {
	// SearchPaths are scanned in addition to environment and platform
	// default locations. Each entry is a directory whose children are
	// candidate installations.
	SearchPaths []string

	// DefaultIdentifier, when set, pins Default() to that toolchain.
	DefaultIdentifier string

	// DisableStandardLocations restricts scanning to SearchPaths, ignoring
	// the environment variable and platform install directories.
	DisableStandardLocations bool
}

// Registry owns the discovered toolchain collection. Scanning is idempotent:
// repeated scans merge newly found installations and drop ones no longer
// present without mutating Toolchain values already handed out.
type Registry struct {
	config RegistryConfig

	mu     sync.RWMutex
	byID   map[string]*Toolchain
	byPath map[string]*Toolchain
}

// NewRegistry constructs a registry and performs the initial scan. Invalid or
// unreadable locations are skipped, never fatal.
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		config: config,
		byID:   make(map[string]*Toolchain),
		byPath: make(map[string]*Toolchain),
	}
	r.Rescan()
	return r
}

func (r *Registry) searchPaths() []string {
	paths := append([]string{}, r.config.SearchPaths...)
	if r.config.DisableStandardLocations {
		return paths
	}

	if env := os.Getenv(EnvSearchPaths); env != "" {
		paths = append(paths, filepath.SplitList(env)...)
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".toolchains"))
		paths = append(paths, filepath.Join(home, "Library", "Developer", "Toolchains"))
	}
	paths = append(paths,
		"/usr/local/toolchains",
		"/Library/Developer/Toolchains",
	)

	return paths
}

// Rescan rebuilds the collection from the current search paths. A toolchain
// whose directory disappeared is dropped; later lookups for its identifier
// fail with ErrNoToolchainFound. The first installation claiming an
// identifier wins; duplicates are skipped.
func (r *Registry) Rescan() {
	byID := make(map[string]*Toolchain)
	byPath := make(map[string]*Toolchain)

	for _, searchPath := range r.searchPaths() {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(searchPath, entry.Name())
			tc, ok := load(dir)
			if !ok {
				log.Debug("skipping invalid toolchain location", "path", dir)
				continue
			}
			if _, dup := byID[tc.Identifier]; dup {
				log.Warn("duplicate toolchain identifier", "identifier", tc.Identifier, "path", dir)
				continue
			}
			byID[tc.Identifier] = tc
			byPath[tc.Path] = tc
			log.Debug("discovered toolchain",
				"identifier", tc.Identifier, "version", tc.Version, "path", dir)
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byPath = byPath
	r.mu.Unlock()

	log.Info("toolchain scan complete", "count", len(byID))
}

// Lookup returns the toolchain with the exact identifier.
func (r *Registry) Lookup(identifier string) (*Toolchain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.byID[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoToolchainFound, identifier)
	}
	return tc, nil
}

// LookupByPath returns the toolchain installed at the exact path.
func (r *Registry) LookupByPath(path string) (*Toolchain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoToolchainFound, path)
	}
	return tc, nil
}

// Default resolves the toolchain to use when a caller expresses no
// preference: the configured default if set and present, else the newest
// toolchain providing a compiler.
func (r *Registry) Default() (*Toolchain, error) {
	if id := r.config.DefaultIdentifier; id != "" {
		if tc, err := r.Lookup(id); err == nil {
			return tc, nil
		}
		log.Warn("configured default toolchain not found", "identifier", id)
	}
	return r.Best(CapabilityCompiler)
}

// Best returns the newest valid toolchain providing the requested capability.
func (r *Registry) Best(capability Capability) (*Toolchain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Toolchain
	for _, tc := range r.byID {
		if !tc.Has(capability) {
			continue
		}
		if best == nil || tc.newerThan(best) {
			best = tc
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no toolchain provides %s", ErrNoToolchainFound, capability)
	}
	return best, nil
}

// All returns every known toolchain ordered by identifier, for diagnostics.
func (r *Registry) All() []*Toolchain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Toolchain, 0, len(r.byID))
	for _, tc := range r.byID {
		all = append(all, tc)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Identifier < all[j].Identifier
	})
	return all
}
