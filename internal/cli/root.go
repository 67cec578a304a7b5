// Package cli implements the BreathSync command-line interface.
// Operational rules:
// - No background daemon; every sync is started explicitly
// - Local changes are never discarded by a failed sync
// - Read-only commands never touch the platform
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	quiet     bool
	configDir string
	dryRun    bool
)

// rootCmd is the base command for BreathSync.
var rootCmd = &cobra.Command{
	Use:   "breathsync",
	Short: "Inhaler history and health data platform sync",
	Long: `BreathSync keeps a local, encrypted record of smart inhaler use and
synchronizes it with the health data platform.

It provides:
  • Encrypted local store (SQLite + SQLCipher)
  • Per-day inhalation history with reliever usage and overdose flags
  • Batched upload and paginated, watermark-based download
  • Optional history snapshots and event stream on Redis`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Use alternate config directory")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without doing it")

	historyCmd.Flags().StringVar(&historyOpts.From, "from", "", "First day (YYYY-MM-DD), default six days ago")
	historyCmd.Flags().StringVar(&historyOpts.To, "to", "", "Last day (YYYY-MM-DD), default today")
	historyCmd.Flags().BoolVar(&historyOpts.FromSnapshot, "from-snapshot", false, "Read the last stored snapshot instead of the local store")
	historyCmd.Flags().BoolVar(&historyOpts.JSON, "json", false, "Print JSON")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
	explainCmd.Flags().BoolVar(&explainJSON, "json", false, "Print JSON")

	syncCmd.AddCommand(syncUploadCmd)
	syncCmd.AddCommand(syncDownloadCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(scanCmd)
}

// getConfigDir returns the configuration directory path.
// First checks the current directory for .breathsync, then falls back to user home.
func getConfigDir() string {
	if configDir != "" {
		return configDir
	}

	cwd, err := os.Getwd()
	if err == nil {
		localConfig := filepath.Join(cwd, ".breathsync")
		if _, err := os.Stat(localConfig); err == nil {
			return localConfig
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".breathsync"
	}
	return filepath.Join(home, ".breathsync")
}

var (
	historyOpts HistoryOptions
	statusJSON  bool
	explainJSON bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config and local store",
	Long: `Create the config directory, write a default config.yaml if none
exists, open (and encrypt, when a passphrase is set) the local store and seed
the reference medications.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunInit()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show per-day inhalation history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistory(historyOpts)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full sync cycle",
	Long: `Run a full sync cycle against the health data platform.

The cycle fetches the server time, uploads local changes in batches and
downloads platform data page by page until nothing is left. A first sync also
fetches the prescription and device lists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSync()
	},
}

var syncUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload local changes only",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSyncUpload()
	},
}

var syncDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download platform data only",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSyncDownload()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and today's summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatus(statusJSON)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain [date]",
	Short: "Explain how each dose of a day was classified",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := ""
		if len(args) > 0 {
			date = args[0]
		}
		return RunExplain(date, explainJSON)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Check the local store for inconsistencies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunScan()
	},
}
