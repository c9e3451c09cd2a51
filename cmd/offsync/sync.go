package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/syncer"
	"github.com/agritrace/offsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Probe the service and, if it is reachable, replay the queued operations
in order. Conflicts are resolved with sync.strategy; manual conflicts are
escalated and listed with 'offsync conflicts list'.

Exits with status 1 if the service is unreachable or the pass did not fully
succeed.`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := context.Background()
		s := openSystem(ctx)
		defer s.close()

		if !s.prober.Check(ctx) {
			s.close()
			fatal("service at %s is unreachable; operations stay queued", cfg.Remote.BaseURL)
		}

		if output == "" || output == "text" {
			sub := s.orch.OnProgress(func(p syncer.Progress) {
				if p.Current == nil {
					return
				}
				fmt.Fprintf(os.Stderr, "  [%3.0f%%] %s %s\n", p.Percentage(), p.Current.Kind, ui.Truncate(p.Current.Path, 60))
			})
			defer sub.Unsubscribe()
		}

		res := s.orch.Sync(ctx)
		if printStructured(os.Stdout, output, res) {
			if !res.Success {
				s.close()
				os.Exit(1)
			}
			return
		}

		printSyncResult(res)
		if !res.Success {
			s.close()
			os.Exit(1)
		}
	},
}

func printSyncResult(res *model.SyncResult) {
	if res.Skipped {
		fmt.Printf("%s nothing to sync\n", ui.RenderMuted("-"))
		return
	}

	mark := ui.RenderPass("✓")
	if !res.Success {
		mark = ui.RenderFail("✗")
	}
	fmt.Printf("%s sync finished in %s: %d committed, %d retrying, %d conflicts, %d errors\n",
		mark, res.Duration.Round(time.Millisecond), res.Committed, res.Retrying, len(res.Conflicts), len(res.Errors))

	for _, c := range res.Conflicts {
		state := "resolved"
		if c.Escalated {
			state = ui.RenderWarn("escalated")
		}
		fmt.Printf("  conflict %s %s %s (%s)\n", c.Operation.ID, c.Operation.Kind, c.Operation.Path, state)
	}
	for _, e := range res.Errors {
		fmt.Printf("  %s %s %s: %s\n", ui.RenderFail("error"), e.Operation.Kind, e.Operation.Path, e.Reason)
	}
}

func init() {
	syncCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(syncCmd)
}
