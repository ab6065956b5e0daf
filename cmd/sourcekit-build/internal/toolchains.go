package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/config"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/logger"
	"github.com/jayadamsmorgan/sourcekit-lsp/internal/toolchain"
)

var toolchainsCmd = &cobra.Command{
	Use:   "toolchains",
	Short: "List installed toolchains",
	Long:  `Toolchains scans the standard install locations and prints every toolchain found, newest first per capability.`,
	RunE:  runToolchains,
}

func init() {
	rootCmd.AddCommand(toolchainsCmd)
}

func runToolchains(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	loggerCfg := logger.DefaultConfig()
	loggerCfg.Level = logger.ParseLevel(logLevel)
	logger.Init(loggerCfg)

	registry := toolchain.NewRegistry(cfg.Toolchains)

	all := registry.All()
	if len(all) == 0 {
		fmt.Println("no toolchains found")
		return nil
	}

	defaultTC, _ := registry.Default()

	for _, tc := range all {
		marker := " "
		if defaultTC != nil && tc.Identifier == defaultTC.Identifier {
			marker = "*"
		}
		fmt.Printf("%s %-40s %-12s %s\n", marker, tc.Identifier, tc.Version, tc.Path)
		for _, capability := range tc.Capabilities {
			fmt.Printf("      %s\n", capability)
		}
	}
	return nil
}
