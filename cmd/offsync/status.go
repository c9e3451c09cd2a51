package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/dashboard"
	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/agritrace/offsync/internal/ui"
)

// statusReport is the output of `offsync status`.
type statusReport struct {
	Store   string       `json:"store" yaml:"store"`
	Remote  string       `json:"remote" yaml:"remote"`
	Online  bool         `json:"online" yaml:"online"`
	Stats   *store.Stats `json:"stats" yaml:"stats"`
	Syncing bool         `json:"syncing" yaml:"syncing"`

	LastSync time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, queue and conflict counts",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		noProbe, _ := cmd.Flags().GetBool("no-probe")
		ctx := context.Background()
		s := openSystem(ctx)
		defer s.close()

		if !noProbe {
			s.prober.Check(ctx)
		}
		report, err := collectStatus(ctx, s)
		if err != nil {
			s.close()
			fatal("%v", err)
		}
		if printStructured(os.Stdout, output, report) {
			return
		}

		conn := ui.RenderFail("offline")
		if report.Online {
			conn = ui.RenderPass("online")
		}
		if noProbe {
			conn = ui.RenderMuted("not probed")
		}
		last := ui.RenderMuted("never")
		if !report.LastSync.IsZero() {
			last = fmt.Sprintf("%s (%s ago)", report.LastSync.Local().Format(time.DateTime),
				time.Since(report.LastSync).Round(time.Second))
		}
		conflicts := fmt.Sprintf("%d", report.Stats.Conflicts)
		if report.Stats.Conflicts > 0 {
			conflicts = ui.RenderWarn(conflicts)
		}

		fmt.Printf("%s %s\n", ui.RenderBold("Remote:   "), report.Remote)
		fmt.Printf("%s %s\n", ui.RenderBold("Status:   "), conn)
		fmt.Printf("%s %s\n", ui.RenderBold("Store:    "), report.Store)
		fmt.Printf("%s %d\n", ui.RenderBold("Queued:   "), report.Stats.Operations)
		fmt.Printf("%s %d\n", ui.RenderBold("Cached:   "), report.Stats.CacheItems)
		fmt.Printf("%s %s\n", ui.RenderBold("Conflicts:"), conflicts)
		fmt.Printf("%s %s\n", ui.RenderBold("Last sync:"), last)
	},
}

func collectStatus(ctx context.Context, s *system) (*statusReport, error) {
	stats, err := s.db.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.orch.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	return &statusReport{
		Store:    s.db.Path(),
		Remote:   cfg.Remote.BaseURL,
		Online:   s.monitor.Online(),
		Stats:    stats,
		Syncing:  s.orch.Running(),
		LastSync: last,
	}, nil
}

// dashboardStatus adapts collectStatus to the dashboard's snapshot shape.
func dashboardStatus(s *system) dashboard.StatusFunc {
	return func(ctx context.Context) (dashboard.Status, error) {
		r, err := collectStatus(ctx, s)
		if err != nil {
			return dashboard.Status{}, err
		}
		return dashboard.Status{
			Online:           r.Online,
			QueueLength:      r.Stats.Operations,
			PendingConflicts: r.Stats.Conflicts,
			Syncing:          r.Syncing,
			LastSync:         r.LastSync,
		}, nil
	}
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	statusCmd.Flags().Bool("no-probe", false, "Skip the health probe")
	rootCmd.AddCommand(statusCmd)
}
