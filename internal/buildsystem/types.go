package buildsystem

import (
	"path/filepath"
	"strings"
	"time"
)

// DocumentURI identifies one source document, usually a file:// URI.
type DocumentURI string

// FileURI builds a DocumentURI from an absolute filesystem path.
func FileURI(path string) DocumentURI {
	return DocumentURI("file://" + path)
}

// Path returns the filesystem path for a file:// URI, or the raw string for
// other schemes.
func (u DocumentURI) Path() string {
	return strings.TrimPrefix(string(u), "file://")
}

type Language string

const (
	LanguageC       Language = "c"
	LanguageCPP     Language = "cpp"
	LanguageObjC    Language = "objective-c"
	LanguageObjCPP  Language = "objective-cpp"
	LanguageSwift   Language = "swift"
	LanguageUnknown Language = ""
)

// LanguageForPath infers the language from a file extension.
func LanguageForPath(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return LanguageC
	case ".cpp", ".cc", ".cxx", ".hpp", ".hh":
		return LanguageCPP
	case ".m":
		return LanguageObjC
	case ".mm":
		return LanguageObjCPP
	case ".swift":
		return LanguageSwift
	case ".h":
		// Headers default to C; a backend with more context may override.
		return LanguageC
	default:
		return LanguageUnknown
	}
}

// ConfiguredTarget identifies a buildable unit paired with a run destination.
// Both fields are opaque strings meaningful only to the backend that produced
// them; equality is structural.
type ConfiguredTarget struct {
	TargetID         string
	RunDestinationID string
}

// FileBuildSettings is the compiler invocation for one source file in one
// configured target. Immutable snapshot; a changed backend produces a new
// value, never mutates an old one.
type FileBuildSettings struct {
	CompilerArguments []string
	WorkingDirectory  string
	Language          Language
}

// Equal reports whether two snapshots describe the same invocation. It is
// used to suppress no-op change notifications.
func (s *FileBuildSettings) Equal(other *FileBuildSettings) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.WorkingDirectory != other.WorkingDirectory || s.Language != other.Language {
		return false
	}
	if len(s.CompilerArguments) != len(other.CompilerArguments) {
		return false
	}
	for i, arg := range s.CompilerArguments {
		if other.CompilerArguments[i] != arg {
			return false
		}
	}
	return true
}

// SourceFileInfo is per-file membership metadata. MayContainTests is a
// conservative over-approximation: it may be true for files without tests but
// must never be false for a file that has them.
type SourceFileInfo struct {
	URI                 DocumentURI
	IsPartOfRootProject bool
	MayContainTests     bool
}

// FileHandlingCapability ranks how well a backend can serve a file. The order
// is meaningful: unhandled < fallback < handled.
type FileHandlingCapability int

const (
	FileUnhandled FileHandlingCapability = iota
	FileFallback
	FileHandled
)

func (c FileHandlingCapability) String() string {
	switch c {
	case FileUnhandled:
		return "unhandled"
	case FileFallback:
		return "fallback"
	case FileHandled:
		return "handled"
	default:
		return "unknown"
	}
}

// ProcessResult is the outcome of one external preparation/build process.
type ProcessResult struct {
	Target   ConfiguredTarget
	ExitCode int
	Output   string
	Duration time.Duration
}

func (r ProcessResult) Succeeded() bool {
	return r.ExitCode == 0
}

// PathPrefixMapping remaps index data produced on another machine or in a
// container to local paths.
type PathPrefixMapping struct {
	BuildPathPrefix string
	LocalPathPrefix string
}

// Apply rewrites path when it starts with the build-machine prefix.
func (m PathPrefixMapping) Apply(path string) (string, bool) {
	if !strings.HasPrefix(path, m.BuildPathPrefix) {
		return path, false
	}
	return m.LocalPathPrefix + strings.TrimPrefix(path, m.BuildPathPrefix), true
}

type FileEventType int

const (
	FileCreated FileEventType = iota
	FileModified
	FileDeleted
)

func (t FileEventType) String() string {
	switch t {
	case FileCreated:
		return "created"
	case FileModified:
		return "modified"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileEvent is one observed file-system change.
type FileEvent struct {
	URI       DocumentURI
	Type      FileEventType
	Timestamp time.Time
}
