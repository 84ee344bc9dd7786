// Command parkingsync runs the offline parking spot cache: one-shot and
// background sync, local edits, nearby queries and a development remote
// store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/config"
	"github.com/tarun080/parkingfinder/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	quiet      bool
	noColor    bool

	cfg    *config.Config
	logOut *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "parkingsync",
	Short: "Offline-first parking spot cache with background sync",
	Long: `parkingsync keeps a local cache of parking spots in sync with a remote
store. Reads are always served from the cache; edits are queued and pushed
when the remote store is reachable.

Configuration is read from parkingsync.toml in the working directory or
$XDG_CONFIG_HOME/parkingsync, and PARKINGSYNC_* environment variables
override it (for example PARKINGSYNC_REMOTE_URL).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logOut, err = logging.Open(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Quiet:      quiet,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search for "+config.FileName+")")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output on stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "spots", Title: "Spots:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
