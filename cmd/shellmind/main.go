// Package main is the shellmind CLI.
//
// shellmind turns a natural-language task into shell commands proposed by a
// model, runs each one after the user approves it, and keeps every
// conversation in a local store that later runs can recall.
//
// Usage:
//
//	shellmind run "find the five largest files under ~/Downloads"
//	shellmind history
//	shellmind history show 12
//	shellmind memory search "disk usage"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shellmind/internal/config"
	"shellmind/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shellmind",
	Short: "shellmind - a shell assistant that asks before it runs",
	Long: `shellmind completes tasks on your machine by proposing shell commands,
running the ones you approve, and reporting what it found.

Every conversation is stored locally. Past conversations that look relevant
are recalled as context for new tasks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := resolvedConfigPath()
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		cfg = loaded

		logCfg := logging.Config{
			Enabled:    cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Dir:        cfg.LogsDir(),
			JSONFormat: cfg.Logging.Format != "text",
			Categories: cfg.Logging.Categories,
		}
		if verbose {
			logCfg.Level = "debug"
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Boot("shellmind %s starting (config=%s, data=%s)", cmd.Name(), path, cfg.DataDir)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

// resolvedConfigPath returns --config or the default location.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.shellmind/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Approve every command without asking")
	runCmd.Flags().BoolVar(&noMemory, "no-memory", false, "Do not recall or index conversations")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts before giving up (default from config)")
	runCmd.Flags().BoolVar(&plainOutput, "plain", false, "Print the answer without markdown rendering")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Conversations to list (0 for all)")
	historyCmd.AddCommand(historyShowCmd)

	memorySearchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 5, "Snippets to return")
	memoryCmd.AddCommand(memorySearchCmd, memoryReindexCmd)

	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	rootCmd.AddCommand(runCmd, historyCmd, memoryCmd, migrateCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
