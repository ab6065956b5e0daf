// Package bsp implements the external build-server backend: a JSON-RPC 2.0
// client speaking the build-server protocol over a spawned server's stdio.
package bsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
)

var (
	ErrServerNotInstalled = errors.New("build server not installed")
	ErrNotInitialized     = errors.New("build server not initialized")

	log = logger.ForComponent("bsp")
)

type State int

const (
	StateStarting State = iota
	StateInitializing
	StateReady
	StateStopped
	StateError
)

type ServerConfig struct {
	Command        string
	Args           []string
	InitTimeout    time.Duration
	RequestTimeout time.Duration
}

func DefaultServerConfig(command string, args ...string) ServerConfig {
	return ServerConfig{
		Command:        command,
		Args:           args,
		InitTimeout:    30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

type Options struct {
	ProjectRoot       string
	IndexStorePath    string
	IndexDatabasePath string
	PathMappings      []buildsystem.PathPrefixMapping
	Server            ServerConfig
}

// BuildSystem proxies the capability contract to an external build server.
type BuildSystem struct {
	opts Options

	conn  *jsonrpc2.Conn
	cmd   *exec.Cmd
	state atomic.Value

	mu       sync.Mutex
	delegate buildsystem.Delegate
}

type stdioReadWriteCloser struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stdioReadWriteCloser) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stdioReadWriteCloser) Write(p []byte) (int, error) { return s.writer.Write(p) }

func (s *stdioReadWriteCloser) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// Spawn launches the configured build server and initializes the session.
func Spawn(ctx context.Context, opts Options) (*BuildSystem, error) {
	path, err := exec.LookPath(opts.Server.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, opts.Server.Command)
	}

	cmd := exec.CommandContext(ctx, path, opts.Server.Args...)
	cmd.Dir = opts.ProjectRoot

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Server.Command, err)
	}

	log.Info("build server started", "command", opts.Server.Command, "root", opts.ProjectRoot)

	b := NewClient(ctx, &stdioReadWriteCloser{reader: stdout, writer: stdin}, opts)
	b.cmd = cmd

	if err := b.Initialize(ctx); err != nil {
		b.kill()
		return nil, err
	}
	return b, nil
}

// NewClient wires a build system over an existing stream. Callers must run
// Initialize before issuing queries.
func NewClient(ctx context.Context, rwc io.ReadWriteCloser, opts Options) *BuildSystem {
	b := &BuildSystem{opts: opts}
	b.state.Store(StateStarting)

	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	b.conn = jsonrpc2.NewConn(ctx, stream, &serverHandler{backend: b})
	return b
}

// serverHandler receives server-originated notifications.
type serverHandler struct {
	backend *BuildSystem
}

type optionsChangedParams struct {
	URI string `json:"uri"`
}

func (h *serverHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	b := h.backend
	b.mu.Lock()
	delegate := b.delegate
	b.mu.Unlock()
	if delegate == nil {
		return
	}

	switch req.Method {
	case "build/sourceKitOptionsChanged":
		var params optionsChangedParams
		if req.Params == nil || json.Unmarshal(*req.Params, &params) != nil {
			return
		}
		delegate.FileBuildSettingsChanged([]buildsystem.DocumentURI{buildsystem.DocumentURI(params.URI)})
	case "buildTarget/didChange":
		delegate.SourceFilesChanged()
	}
}

type initializeParams struct {
	DisplayName  string `json:"displayName"`
	Version      string `json:"version"`
	RootURI      string `json:"rootUri"`
	Capabilities struct {
		LanguageIDs []string `json:"languageIds"`
	} `json:"capabilities"`
}

type initializeResult struct {
	DisplayName       string `json:"displayName"`
	IndexStorePath    string `json:"indexStorePath,omitempty"`
	IndexDatabasePath string `json:"indexDatabasePath,omitempty"`
}

// Initialize performs the build/initialize handshake. Server-provided index
// paths override construction-time options.
func (b *BuildSystem) Initialize(ctx context.Context) error {
	b.state.Store(StateInitializing)

	initCtx, cancel := context.WithTimeout(ctx, b.opts.Server.InitTimeout)
	defer cancel()

	params := initializeParams{
		DisplayName: "sourcekit-lsp",
		Version:     "1.0",
		RootURI:     string(buildsystem.FileURI(b.opts.ProjectRoot)),
	}
	params.Capabilities.LanguageIDs = []string{"swift", "c", "cpp", "objective-c"}

	var result initializeResult
	if err := b.conn.Call(initCtx, "build/initialize", params, &result); err != nil {
		b.state.Store(StateError)
		return fmt.Errorf("build/initialize failed: %w", err)
	}
	if result.IndexStorePath != "" {
		b.opts.IndexStorePath = result.IndexStorePath
	}
	if result.IndexDatabasePath != "" {
		b.opts.IndexDatabasePath = result.IndexDatabasePath
	}

	if err := b.conn.Notify(initCtx, "build/initialized", struct{}{}); err != nil {
		b.state.Store(StateError)
		return fmt.Errorf("build/initialized notification failed: %w", err)
	}

	b.state.Store(StateReady)
	log.Info("build server initialized", "name", result.DisplayName)
	return nil
}

func (b *BuildSystem) State() State {
	return b.state.Load().(State)
}

func (b *BuildSystem) ready() bool { return b.State() == StateReady }

func (b *BuildSystem) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opts.Server.RequestTimeout)
}

func (b *BuildSystem) Name() string              { return "build-server" }
func (b *BuildSystem) ProjectRoot() string       { return b.opts.ProjectRoot }
func (b *BuildSystem) IndexStorePath() string    { return b.opts.IndexStorePath }
func (b *BuildSystem) IndexDatabasePath() string { return b.opts.IndexDatabasePath }

func (b *BuildSystem) PathPrefixMappings() []buildsystem.PathPrefixMapping {
	return b.opts.PathMappings
}

func (b *BuildSystem) SetDelegate(delegate buildsystem.Delegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegate = delegate
}

type sourceKitOptionsParams struct {
	URI      string `json:"uri"`
	Target   string `json:"target,omitempty"`
	Language string `json:"language,omitempty"`
}

type sourceKitOptionsResult struct {
	CompilerArguments []string `json:"compilerArguments"`
	WorkingDirectory  string   `json:"workingDirectory"`
}

func (b *BuildSystem) BuildSettings(ctx context.Context, document buildsystem.DocumentURI, target buildsystem.ConfiguredTarget, language buildsystem.Language) (*buildsystem.FileBuildSettings, error) {
	if !b.ready() {
		return nil, ErrNotInitialized
	}

	reqCtx, cancel := b.requestCtx(ctx)
	defer cancel()

	params := sourceKitOptionsParams{
		URI:      string(document),
		Target:   target.TargetID,
		Language: string(language),
	}

	var raw json.RawMessage
	if err := b.conn.Call(reqCtx, "textDocument/sourceKitOptions", params, &raw); err != nil {
		return nil, fmt.Errorf("sourceKitOptions request failed: %w", err)
	}
	if string(raw) == "null" {
		// The server has no settings for this document yet.
		return nil, nil
	}

	var result sourceKitOptionsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse sourceKitOptions response: %w", err)
	}

	return &buildsystem.FileBuildSettings{
		CompilerArguments: result.CompilerArguments,
		WorkingDirectory:  result.WorkingDirectory,
		Language:          language,
	}, nil
}

type inverseSourcesParams struct {
	TextDocument struct {
		URI string `json:"uri"`
	} `json:"textDocument"`
}

type inverseSourcesResult struct {
	Targets []struct {
		TargetID         string `json:"targetId"`
		RunDestinationID string `json:"runDestinationId"`
	} `json:"targets"`
}

func (b *BuildSystem) ConfiguredTargets(ctx context.Context, document buildsystem.DocumentURI) []buildsystem.ConfiguredTarget {
	if !b.ready() {
		return nil
	}

	reqCtx, cancel := b.requestCtx(ctx)
	defer cancel()

	var params inverseSourcesParams
	params.TextDocument.URI = string(document)

	var result inverseSourcesResult
	if err := b.conn.Call(reqCtx, "buildTarget/inverseSources", params, &result); err != nil {
		log.Debug("inverseSources request failed", "document", document, "error", err)
		return nil
	}

	targets := make([]buildsystem.ConfiguredTarget, 0, len(result.Targets))
	for _, t := range result.Targets {
		targets = append(targets, buildsystem.ConfiguredTarget{
			TargetID:         t.TargetID,
			RunDestinationID: t.RunDestinationID,
		})
	}
	return targets
}

type buildTargetsResult struct {
	Targets []struct {
		TargetID string `json:"targetId"`
	} `json:"targets"`
}

type sourcesParams struct {
	Targets []string `json:"targets"`
}

type sourcesResult struct {
	Items []struct {
		URI             string `json:"uri"`
		IsPartOfProject bool   `json:"isPartOfProject"`
		MayContainTests bool   `json:"mayContainTests"`
	} `json:"items"`
}

// SourceFiles asks for the target list, then for the sources of every
// target. Duplicates across targets collapse to one entry.
func (b *BuildSystem) SourceFiles(ctx context.Context) []buildsystem.SourceFileInfo {
	if !b.ready() {
		return nil
	}

	reqCtx, cancel := b.requestCtx(ctx)
	defer cancel()

	var targets buildTargetsResult
	if err := b.conn.Call(reqCtx, "workspace/buildTargets", struct{}{}, &targets); err != nil {
		log.Debug("buildTargets request failed", "error", err)
		return nil
	}

	params := sourcesParams{Targets: make([]string, 0, len(targets.Targets))}
	for _, target := range targets.Targets {
		params.Targets = append(params.Targets, target.TargetID)
	}

	var result sourcesResult
	if err := b.conn.Call(reqCtx, "buildTarget/sources", params, &result); err != nil {
		log.Debug("sources request failed", "error", err)
		return nil
	}

	seen := make(map[buildsystem.DocumentURI]struct{}, len(result.Items))
	files := make([]buildsystem.SourceFileInfo, 0, len(result.Items))
	for _, item := range result.Items {
		uri := buildsystem.DocumentURI(item.URI)
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}
		files = append(files, buildsystem.SourceFileInfo{
			URI:                 uri,
			IsPartOfRootProject: item.IsPartOfProject,
			MayContainTests:     item.MayContainTests,
		})
	}
	return files
}

func (b *BuildSystem) GenerateBuildGraph(ctx context.Context) error {
	if !b.ready() {
		return ErrNotInitialized
	}
	// Graph construction may be slow; no per-request timeout here.
	var result json.RawMessage
	if err := b.conn.Call(ctx, "workspace/reload", struct{}{}, &result); err != nil {
		return fmt.Errorf("workspace/reload failed: %w", err)
	}
	return nil
}

// The protocol exposes no ordering or reverse-dependency queries; both are
// reported unsupported so callers fall back conservatively.
func (b *BuildSystem) TopologicalSort(targets []buildsystem.ConfiguredTarget) ([]buildsystem.ConfiguredTarget, bool) {
	return nil, false
}

func (b *BuildSystem) TargetsDependingOn(targets []buildsystem.ConfiguredTarget) ([]buildsystem.ConfiguredTarget, bool) {
	return nil, false
}

type prepareParams struct {
	Targets []string `json:"targets"`
}

type prepareResult struct {
	Results []struct {
		Target     string `json:"target"`
		ExitCode   int    `json:"exitCode"`
		Output     string `json:"output"`
		DurationMS int64  `json:"durationMs"`
	} `json:"results"`
}

func (b *BuildSystem) Prepare(ctx context.Context, targets []buildsystem.ConfiguredTarget, onResult func(buildsystem.ProcessResult)) error {
	if !b.ready() {
		return ErrNotInitialized
	}

	params := prepareParams{Targets: make([]string, 0, len(targets))}
	for _, target := range targets {
		params.Targets = append(params.Targets, target.TargetID)
	}

	var result prepareResult
	if err := b.conn.Call(ctx, "buildTarget/prepare", params, &result); err != nil {
		return fmt.Errorf("buildTarget/prepare failed: %w", err)
	}

	for _, r := range result.Results {
		onResult(buildsystem.ProcessResult{
			Target:   buildsystem.ConfiguredTarget{TargetID: r.Target},
			ExitCode: r.ExitCode,
			Output:   r.Output,
			Duration: time.Duration(r.DurationMS) * time.Millisecond,
		})
	}
	return nil
}

type registerForChangesParams struct {
	URI    string `json:"uri"`
	Action string `json:"action"`
}

func (b *BuildSystem) RegisterForChangeNotifications(document buildsystem.DocumentURI) {
	if !b.ready() {
		return
	}
	params := registerForChangesParams{URI: string(document), Action: "register"}
	if err := b.conn.Notify(context.Background(), "textDocument/registerForChanges", params); err != nil {
		log.Debug("registerForChanges failed", "document", document, "error", err)
	}
}

func (b *BuildSystem) UnregisterForChangeNotifications(document buildsystem.DocumentURI) {
	if !b.ready() {
		return
	}
	params := registerForChangesParams{URI: string(document), Action: "unregister"}
	if err := b.conn.Notify(context.Background(), "textDocument/registerForChanges", params); err != nil {
		log.Debug("unregisterForChanges failed", "document", document, "error", err)
	}
}

func (b *BuildSystem) FileHandlingCapability(uri buildsystem.DocumentURI) buildsystem.FileHandlingCapability {
	if !b.ready() {
		return buildsystem.FileUnhandled
	}
	if buildsystem.LanguageForPath(uri.Path()) == buildsystem.LanguageUnknown {
		return buildsystem.FileUnhandled
	}
	return buildsystem.FileHandled
}

type didChangeWatchedFilesParams struct {
	Changes []fileChange `json:"changes"`
}

type fileChange struct {
	URI  string `json:"uri"`
	Type string `json:"type"`
}

func (b *BuildSystem) FilesDidChange(events []buildsystem.FileEvent) {
	if !b.ready() {
		return
	}

	params := didChangeWatchedFilesParams{Changes: make([]fileChange, 0, len(events))}
	for _, event := range events {
		params.Changes = append(params.Changes, fileChange{
			URI:  string(event.URI),
			Type: event.Type.String(),
		})
	}
	if err := b.conn.Notify(context.Background(), "workspace/didChangeWatchedFiles", params); err != nil {
		log.Debug("didChangeWatchedFiles failed", "error", err)
	}
}

// Close shuts the session down: build/shutdown, build/exit, then the process.
func (b *BuildSystem) Close() error {
	if b.State() == StateStopped {
		return nil
	}
	b.state.Store(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result json.RawMessage
	if err := b.conn.Call(ctx, "build/shutdown", nil, &result); err != nil {
		log.Debug("build/shutdown failed", "error", err)
	}
	if err := b.conn.Notify(ctx, "build/exit", nil); err != nil {
		log.Debug("build/exit failed", "error", err)
	}

	err := b.conn.Close()
	b.kill()
	return err
}

func (b *BuildSystem) kill() {
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
		go b.cmd.Wait()
	}
}

var _ buildsystem.BuildSystem = (*BuildSystem)(nil)
