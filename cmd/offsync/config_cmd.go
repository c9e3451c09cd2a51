package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agritrace/offsync/internal/config"
	"github.com/agritrace/offsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or inspect offsync.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write offsync.toml with the effective settings (defaults, existing file,
environment and flags). The remote token is never written; set
OFFSYNC_REMOTE_TOKEN or run 'offsync login'.`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteFile(cfg, path, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Source != "" {
			fmt.Fprintf(os.Stderr, "# from %s\n", cfg.Source)
		} else {
			fmt.Fprintln(os.Stderr, "# no config file found, showing defaults")
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fatal("failed to encode config: %v", err)
		}
		_ = enc.Close()
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "Where to write (default: $XDG_CONFIG_HOME/offsync/offsync.toml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
