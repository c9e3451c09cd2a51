package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect or clear the durable operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		ops, err := db.ListOperations(ctx)
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
		if printStructured(os.Stdout, output, ops) {
			return
		}
		if len(ops) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, []string{
				op.ID,
				string(op.Kind),
				ui.Truncate(op.Path, 40),
				strconv.Itoa(op.Retries),
				op.CreatedAt.Local().Format(time.DateTime),
				op.UserID,
			})
		}
		fmt.Println(ui.RenderTable([]string{"ID", "KIND", "PATH", "RETRIES", "CREATED", "USER"}, rows))
		fmt.Printf("%d operation(s) queued\n", len(ops))
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation without replaying it",
	Long: `Drop every queued operation. Dropped operations are never sent to the
service. Escalated conflicts are kept.

Asks for confirmation on a terminal; pass --yes in scripts.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		n, err := db.CountOperations(ctx)
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
		if n == 0 {
			fmt.Println("Queue is already empty")
			return
		}
		if !confirm(fmt.Sprintf("Drop %d queued operation(s)?", n), yes) {
			fmt.Println("Aborted")
			return
		}
		if err := db.ClearOperations(ctx); err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
		fmt.Printf("%s dropped %d operation(s)\n", ui.RenderPass("✓"), n)
	},
}

// confirm asks on a terminal. Without a terminal it only proceeds when yes
// was passed.
func confirm(title string, yes bool) bool {
	if yes {
		return true
	}
	if !ui.IsInteractive() {
		fatal("refusing to continue without a terminal; pass --yes")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		fatal("%v", err)
	}
	return ok
}

func init() {
	queueListCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	queueClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	queueCmd.AddCommand(queueListCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
