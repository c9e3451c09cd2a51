// Command offsync manages the offline sync queue, cache and conflicts of a
// field device, and runs the sync daemon.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/config"
	"github.com/agritrace/offsync/internal/logging"
	"github.com/agritrace/offsync/internal/ui"
)

var (
	// Loaded in PersistentPreRun; every subcommand may rely on them.
	cfg  *config.Config
	logs *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first sync for field data collection",
	Long: `offsync keeps a durable queue of create/update/delete operations made while
a device is offline, replays them against the REST service when connectivity
returns, and serves reads from a local cache.

Configuration is read from offsync.toml ($XDG_CONFIG_HOME/offsync or the
working directory) and OFFSYNC_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		applyFlagOverrides(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded

		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor || ui.ColorDisabled() {
			ui.DisableColor()
		}

		var console io.Writer = io.Discard
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			console = os.Stderr
		}
		logs, err = logging.NewWithWriter(loaded.Log, console)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open log file: %v\n", err)
			os.Exit(1)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	rootCmd.PersistentFlags().String("config", "", "Config file (default: search offsync.toml)")
	rootCmd.PersistentFlags().String("store", "", "Override store.path")
	rootCmd.PersistentFlags().String("base-url", "", "Override remote.base_url")
	rootCmd.PersistentFlags().String("user", "", "Override sync.user_id")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show component logs on stderr")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output (also honors NO_COLOR)")
}

func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		c.Store.Path = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		c.Remote.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("user"); v != "" {
		c.Sync.UserID = v
	}
}

// logger returns a component logger. Output goes to the log file, if
// configured, and to stderr with --verbose.
func logger(component string) *log.Logger {
	return logs.Logger(component)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
