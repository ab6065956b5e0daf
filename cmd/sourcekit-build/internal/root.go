package internal

import (
	"log"

	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "sourcekit-build",
	Short: "sourcekit-build serves build settings to language tooling",
	Long: `sourcekit-build sits between language tooling and the project's build
system. It answers per-file compiler argument queries, tracks build graph
changes, and prepares targets for background indexing.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		log.Fatal(err)
	}
}
