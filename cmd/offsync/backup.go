package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/backup"
	"github.com/agritrace/offsync/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "maint",
	Short:   "Export or import queued operations and conflicts as JSONL",
	Long: `Move unsent work between devices or keep it safe before a reinstall.

The file holds one JSON record per line: queued operations in replay order,
then escalated conflicts. The cache is not exported.`,
}

var backupExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Write queued operations and conflicts to FILE",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		res, err := backup.ExportFile(ctx, db, args[0])
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
		fmt.Printf("%s exported %d operation(s) and %d conflict(s) to %s\n",
			ui.RenderPass("✓"), res.Operations, res.Conflicts, args[0])
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Add operations and conflicts from FILE",
	Long: `Add records from an export. Operations and conflicts whose id is already
present are skipped, so importing the same file twice is harmless.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		res, err := backup.ImportFile(ctx, db, args[0], backup.ImportOptions{DryRun: dryRun})
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}

		verb := "imported"
		if dryRun {
			verb = "would import"
		}
		fmt.Printf("%s %s %d operation(s) and %d conflict(s), skipped %d already present\n",
			ui.RenderPass("✓"), verb, res.Operations, res.Conflicts, res.Skipped)
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), e)
		}
		if len(res.Errors) > 0 {
			_ = db.Close()
			os.Exit(1)
		}
	},
}

func init() {
	backupImportCmd.Flags().Bool("dry-run", false, "Report what would be imported without writing")
	backupCmd.AddCommand(backupExportCmd, backupImportCmd)
	rootCmd.AddCommand(backupCmd)
}
