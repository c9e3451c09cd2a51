package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/conflict"
	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review conflicts escalated for a manual decision",
	Long: `Conflicts are escalated when sync.strategy is "manual" or a resolution could
not be applied. Escalated operations leave the queue until they are resolved
(requeued with a chosen payload) or discarded.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalated conflicts, oldest first",
	Long: `List escalated conflicts, oldest first.

--since accepts natural language such as "yesterday", "3 days ago" or
"last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		sinceStr, _ := cmd.Flags().GetString("since")
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		var since time.Time
		if sinceStr != "" {
			t, err := parseWhen(sinceStr, time.Now())
			if err != nil {
				_ = db.Close()
				fatal("%v", err)
			}
			since = t
		}

		all, err := db.ListConflicts(ctx)
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
		conflicts := make([]*model.Conflict, 0, len(all))
		for _, c := range all {
			if c.StoredAt.Before(since) {
				continue
			}
			conflicts = append(conflicts, c)
		}

		if printStructured(os.Stdout, output, conflicts) {
			return
		}
		if len(conflicts) == 0 {
			fmt.Println("No pending conflicts")
			return
		}
		rows := make([][]string, 0, len(conflicts))
		for _, c := range conflicts {
			rows = append(rows, []string{
				c.Operation.ID,
				string(c.Operation.Kind),
				ui.Truncate(c.Operation.Path, 40),
				string(c.Strategy),
				c.StoredAt.Local().Format(time.DateTime),
			})
		}
		fmt.Println(ui.RenderTable([]string{"OPERATION", "KIND", "PATH", "STRATEGY", "ESCALATED"}, rows))
		fmt.Printf("%d conflict(s). Resolve with 'offsync conflicts resolve ID'.\n", len(conflicts))
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show the local and server payloads of a conflict",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		c, err := db.GetConflict(ctx, args[0])
		if err != nil {
			_ = db.Close()
			if errors.Is(err, model.ErrNotFound) {
				fatal("no conflict for operation %s", args[0])
			}
			fatal("%v", err)
		}
		if printStructured(os.Stdout, output, c) {
			return
		}
		fmt.Printf("%s %s %s\n", ui.RenderBold(c.Operation.ID), c.Operation.Kind, c.Operation.Path)
		fmt.Println(ui.RenderAccent("local:"))
		printPayload(c.Operation.Payload)
		fmt.Println(ui.RenderAccent("server:"))
		printPayload(c.Server)
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Requeue an escalated operation with a chosen payload",
	Long: `Requeue an escalated operation.

  --use local    replay the original local payload
  --use server   keep the server state and drop the local change
  --use merge    overlay local fields on the server record
  --payload JSON replay an explicit payload ("-" reads stdin)

On a terminal with neither flag, the choice is prompted for.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		use, _ := cmd.Flags().GetString("use")
		payloadArg, _ := cmd.Flags().GetString("payload")
		if use != "" && payloadArg != "" {
			fatal("--use and --payload are mutually exclusive")
		}

		ctx := context.Background()
		s := openSystem(ctx)
		defer s.close()

		id := args[0]
		c, err := s.db.GetConflict(ctx, id)
		if err != nil {
			s.close()
			if errors.Is(err, model.ErrNotFound) {
				fatal("no conflict for operation %s", id)
			}
			fatal("%v", err)
		}

		var payload json.RawMessage
		switch {
		case payloadArg != "":
			payload = readPayload(payloadArg)
		case use == "":
			if !ui.IsInteractive() {
				s.close()
				fatal("pass --use or --payload when not on a terminal")
			}
			use = pickResolution(c)
		}

		switch use {
		case "":
		case "local":
			payload = nil
		case "server":
			if err := s.orch.DiscardManualConflict(ctx, id); err != nil {
				s.close()
				fatal("%v", err)
			}
			fmt.Printf("%s kept server state for %s\n", ui.RenderPass("✓"), id)
			return
		case "merge":
			payload, err = conflict.Merge(c.Operation.Payload, c.Server, conflict.DefaultMergeOptions(), time.Now())
			if err != nil {
				s.close()
				fatal("%v", err)
			}
		default:
			s.close()
			fatal("unknown resolution %q (want local, server or merge)", use)
		}

		op, err := s.orch.ResolveManualConflict(ctx, id, payload)
		if err != nil {
			s.close()
			fatal("%v", err)
		}
		fmt.Printf("%s requeued %s as %s\n", ui.RenderPass("✓"), id, op.ID)
		fmt.Println("Run 'offsync sync' or let the daemon replay it.")
	},
}

var conflictsDiscardCmd = &cobra.Command{
	Use:   "discard ID",
	Short: "Drop an escalated operation without replaying it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := context.Background()
		s := openSystem(ctx)
		defer s.close()

		if !confirm(fmt.Sprintf("Discard the local change for %s?", args[0]), yes) {
			fmt.Println("Aborted")
			return
		}
		if err := s.orch.DiscardManualConflict(ctx, args[0]); err != nil {
			s.close()
			fatal("%v", err)
		}
		fmt.Printf("%s discarded %s\n", ui.RenderPass("✓"), args[0])
	},
}

func pickResolution(c *model.Conflict) string {
	fmt.Printf("%s %s %s\n", ui.RenderBold(c.Operation.ID), c.Operation.Kind, c.Operation.Path)
	fmt.Println(ui.RenderAccent("local:"))
	printPayload(c.Operation.Payload)
	fmt.Println(ui.RenderAccent("server:"))
	printPayload(c.Server)

	var choice string
	err := huh.NewSelect[string]().
		Title("How should this conflict be resolved?").
		Options(
			huh.NewOption("Replay my local change", "local"),
			huh.NewOption("Keep the server version", "server"),
			huh.NewOption("Merge (local fields win)", "merge"),
		).
		Value(&choice).
		Run()
	if err != nil {
		fatal("%v", err)
	}
	return choice
}

// parseWhen parses a natural-language time relative to base.
func parseWhen(text string, base time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q", text)
	}
	return r.Time, nil
}

func init() {
	conflictsListCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	conflictsListCmd.Flags().String("since", "", "Only conflicts escalated after this time")
	conflictsShowCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	conflictsResolveCmd.Flags().String("use", "", "Resolution: local, server or merge")
	conflictsResolveCmd.Flags().String("payload", "", "Explicit JSON payload to replay")
	conflictsDiscardCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd, conflictsDiscardCmd)
	rootCmd.AddCommand(conflictsCmd)
}
