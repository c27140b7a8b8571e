// Command vsync is an offline-first client for a health-record item service.
//
// It keeps a local copy of each record's items, queues edits made offline
// and commits them when the service is reachable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	recordID string
	logLevel string

	settings *Settings
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "vsync",
	Short: "Offline-first sync client for health records",
	Long: `vsync keeps a local, offline-capable copy of health-record items.

Items are read through per-type views that download on demand. Edits are
written locally first and queued as pending changes, which are committed to
the service by 'vsync commit', after each edit, or by 'vsync daemon'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		settings, err = loadSettings(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("record") {
			settings.Record = recordID
		}
		if cmd.Flags().Changed("log-level") {
			settings.Log.Level = logLevel
		}
		logger, err = newLogger(settings.Log)
		if err != nil {
			return err
		}
		setupColor()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./vsync.toml or $HOME/.config/vsync/vsync.toml)")
	rootCmd.PersistentFlags().StringVar(&recordID, "record", "", "record to operate on (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Items:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}
