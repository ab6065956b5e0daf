package config

import (
	"os"
	"path/filepath"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/toolchain"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/watcher"
)

type IndexConfig struct {
	Enabled      bool                            `json:"enabled"`
	StorePath    string                          `json:"store_path"`
	DatabasePath string                          `json:"database_path"`
	PathMappings []buildsystem.PathPrefixMapping `json:"path_mappings"`
}

type BuildServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Config struct {
	LogLevel          string                    `json:"log_level"`
	MaxConcurrentJobs int                       `json:"max_concurrent_jobs"`
	Manager           buildsystem.ManagerConfig `json:"manager"`
	Toolchains        toolchain.RegistryConfig  `json:"toolchains"`
	BuildServer       BuildServerConfig         `json:"build_server"`
	Index             IndexConfig               `json:"index"`
	Watcher           watcher.Config            `json:"watcher"`
}

func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sourcekit-lsp")
}

func Load() *Config {
	dir := stateDir()

	return &Config{
		LogLevel:          "info",
		MaxConcurrentJobs: 0, // 0 means one per CPU
		Manager:           buildsystem.DefaultManagerConfig(),
		Toolchains:        toolchain.RegistryConfig{},
		Index: IndexConfig{
			Enabled:      true,
			StorePath:    filepath.Join(dir, "index", "store"),
			DatabasePath: filepath.Join(dir, "index", "db.sqlite"),
		},
		Watcher: watcher.DefaultConfig(),
	}
}

func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(stateDir(), 0700)
}
