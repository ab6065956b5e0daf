// Package toolchain discovers compiler toolchain installations on the host,
// ranks them by version, and resolves which one to use for a request.
package toolchain

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

// Capability names a sub-tool a toolchain may provide.
type Capability string

const (
	CapabilityCompiler   Capability = "compiler"
	CapabilityDebugger   Capability = "debugger"
	CapabilityFormatter  Capability = "formatter"
	CapabilityIndexStore Capability = "index-store"
)

// Toolchain identifies one installed compiler/runtime. Immutable once
// constructed; a re-scan produces fresh values rather than mutating old ones.
type Toolchain struct {
	Identifier   string
	Path         string
	Version      string
	Capabilities []Capability
}

func (t *Toolchain) Has(c Capability) bool {
	for _, have := range t.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CompilerPath returns the path of the first compiler executable found under
// the installation, or "" when the toolchain provides none.
func (t *Toolchain) CompilerPath() string {
	for _, name := range compilerExecutables {
		p := filepath.Join(t.Path, "bin", name)
		if isExecutable(p) {
			return p
		}
	}
	return ""
}

// newerThan compares toolchain versions, treating them as semver when
// possible and falling back to lexicographic order for opaque versions.
func (t *Toolchain) newerThan(other *Toolchain) bool {
	a, b := "v"+t.Version, "v"+other.Version
	if semver.IsValid(a) && semver.IsValid(b) {
		return semver.Compare(a, b) > 0
	}
	return t.Version > other.Version
}

var compilerExecutables = []string{"swiftc", "clang", "clang++"}

// load reads the installation at dir as a Toolchain. A valid installation has
// a version metadata file; everything else is probed best-effort.
func load(dir string) (*Toolchain, bool) {
	version, ok := readFirstLine(filepath.Join(dir, "version"))
	if !ok || version == "" {
		return nil, false
	}

	identifier, ok := readFirstLine(filepath.Join(dir, "identifier"))
	if !ok || identifier == "" {
		identifier = filepath.Base(dir)
	}

	return &Toolchain{
		Identifier:   identifier,
		Path:         dir,
		Version:      version,
		Capabilities: probeCapabilities(dir),
	}, true
}

func probeCapabilities(dir string) []Capability {
	var caps []Capability

	for _, name := range compilerExecutables {
		if isExecutable(filepath.Join(dir, "bin", name)) {
			caps = append(caps, CapabilityCompiler)
			break
		}
	}
	if isExecutable(filepath.Join(dir, "bin", "lldb")) {
		caps = append(caps, CapabilityDebugger)
	}
	for _, name := range []string{"swift-format", "clang-format"} {
		if isExecutable(filepath.Join(dir, "bin", name)) {
			caps = append(caps, CapabilityFormatter)
			break
		}
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "lib", "libIndexStore.*")); len(matches) > 0 {
		caps = append(caps, CapabilityIndexStore)
	}

	return caps
}

func readFirstLine(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
