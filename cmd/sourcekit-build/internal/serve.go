package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/bsp"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/compdb"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/config"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/indexstore"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/taskscheduler"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/toolchain"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/watcher"
)

var (
	serveRoot        string
	serveBuildServer string
	serveExtraFlags  []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve build settings for a project",
	Long: `Serve picks a backend for the project root, starts the build system
manager, and keeps settings fresh by watching the workspace for changes.

The backend is chosen in order: an external build server when one is
configured, a compile_commands.json database when present at the root,
and a toolchain-based fallback otherwise.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRoot, "root", ".", "Project root directory")
	serveCmd.Flags().StringVar(&serveBuildServer, "build-server", "", "External build server executable")
	serveCmd.Flags().StringArrayVar(&serveExtraFlags, "extra-flag", nil, "Extra compiler flag for the fallback backend (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	cfg.LogLevel = logLevel

	loggerCfg := logger.DefaultConfig()
	loggerCfg.Level = logger.ParseLevel(cfg.LogLevel)
	logger.Init(loggerCfg)

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to ensure state directories: %w", err)
	}

	root, err := filepath.Abs(serveRoot)
	if err != nil {
		return err
	}
	if serveBuildServer != "" {
		cfg.BuildServer.Command = serveBuildServer
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toolchains := toolchain.NewRegistry(cfg.Toolchains)

	backend, err := selectBackend(ctx, root, cfg, toolchains)
	if err != nil {
		return err
	}
	logger.Info("backend selected", "backend", backend.Name(), "root", root)

	scheduler := taskscheduler.New(cfg.MaxConcurrentJobs)
	defer scheduler.Shutdown()

	manager, err := buildsystem.NewManager(backend, scheduler, cfg.Manager)
	if err != nil {
		return err
	}
	defer manager.Close()

	var store *indexstore.Store
	if cfg.Index.Enabled {
		store, err = indexstore.New(cfg.Index.DatabasePath, backend.PathPrefixMappings())
		if err != nil {
			return fmt.Errorf("failed to open index store: %w", err)
		}
		defer store.Close()
	}

	if cfg.Watcher.Enabled {
		w, err := watcher.New(cfg.Watcher, manager)
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := w.AddRoot(root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	go func() {
		if err := manager.GenerateBuildGraph(ctx); err != nil {
			logger.Warn("initial build graph generation failed", "error", err)
			return
		}
		prepareWorkspace(ctx, manager, store)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("serving build settings", "root", root)
	<-sig
	logger.Info("shutting down")
	return nil
}

// prepareWorkspace builds every discovered target at background priority and
// records the outcomes so stale index data is detectable across restarts.
func prepareWorkspace(ctx context.Context, manager *buildsystem.Manager, store *indexstore.Store) {
	files := manager.SourceFiles(ctx)

	seen := make(map[buildsystem.ConfiguredTarget]struct{})
	var targets []buildsystem.ConfiguredTarget
	for _, file := range files {
		fileTargets := manager.ConfiguredTargets(ctx, file.URI)
		for _, target := range fileTargets {
			if _, ok := seen[target]; ok {
				continue
			}
			seen[target] = struct{}{}
			targets = append(targets, target)
		}

		if store != nil && len(fileTargets) > 0 {
			lang := buildsystem.LanguageForPath(file.URI.Path())
			if err := store.UpsertUnit(file.URI.Path(), fileTargets[0].TargetID, string(lang)); err != nil {
				logger.Warn("failed to record index unit", "path", file.URI.Path(), "error", err)
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	if ordered, ok := manager.TopologicalSort(targets); ok {
		targets = ordered
	}

	err := manager.Prepare(ctx, targets, func(result buildsystem.ProcessResult) {
		if !result.Succeeded() {
			logger.Warn("preparation failed", "target", result.Target.TargetID, "exit_code", result.ExitCode)
		}
		if store != nil {
			if _, err := store.RecordPrepareResult(result); err != nil {
				logger.Warn("failed to record prepare result", "error", err)
			}
		}
	})
	if err != nil && !errors.Is(err, buildsystem.ErrPrepareNotSupported) {
		logger.Warn("workspace preparation failed", "error", err)
	}
}

// selectBackend picks the strongest backend available for the root.
func selectBackend(ctx context.Context, root string, cfg *config.Config, toolchains *toolchain.Registry) (buildsystem.BuildSystem, error) {
	if cfg.BuildServer.Command != "" {
		opts := bsp.Options{
			ProjectRoot:       root,
			IndexStorePath:    cfg.Index.StorePath,
			IndexDatabasePath: cfg.Index.DatabasePath,
			PathMappings:      cfg.Index.PathMappings,
			Server:            bsp.DefaultServerConfig(cfg.BuildServer.Command, cfg.BuildServer.Args...),
		}
		backend, err := bsp.Spawn(ctx, opts)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}

	dbPath := filepath.Join(root, compdb.DatabaseFileName)
	if _, err := os.Stat(dbPath); err == nil {
		backend, err := compdb.New(compdb.Options{
			ProjectRoot:       root,
			IndexStorePath:    cfg.Index.StorePath,
			IndexDatabasePath: cfg.Index.DatabasePath,
			PathMappings:      cfg.Index.PathMappings,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}

	return buildsystem.NewFallbackBuildSystem(root, toolchains, serveExtraFlags), nil
}
