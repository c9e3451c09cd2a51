package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/daemon"
	"github.com/agritrace/offsync/internal/offline/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the queue draining in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon probes the service with exponential backoff while offline, drains
the queue when connectivity returns, picks up operations queued by other
offsync processes, and re-probes every sync.revalidate_interval.

If dashboard.port is set, a WebSocket feed of sync activity is served on
ws://localhost:PORT/ws with a JSON snapshot on /health.

Send SIGUSR1 to force an immediate probe and pass.

Example usage:
  offsync daemon
  offsync daemon --dashboard-port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		if port, _ := cmd.Flags().GetInt("dashboard-port"); cmd.Flags().Changed("dashboard-port") {
			cfg.Dashboard.Port = port
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s := openSystem(ctx)
		defer s.close()

		dcfg := daemon.DefaultConfig()
		dcfg.RevalidateInterval = cfg.Sync.RevalidateInterval
		dcfg.Logger = logger("daemon")
		d, err := daemon.NewWithConfig(daemon.Deps{
			Store:        s.db,
			Queue:        s.queue,
			Orchestrator: s.orch,
			Monitor:      s.monitor,
			Prober:       s.prober,
		}, dcfg)
		if err != nil {
			s.close()
			fatal("%v", err)
		}

		if cfg.Dashboard.Port > 0 {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Status: dashboardStatus(s),
				Logger: logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				s.close()
				fatal("failed to start dashboard: %v", err)
			}
			defer func() { _ = server.Stop() }()

			handler := dashboard.NewHandler(server, logger("dashboard"))
			handler.Attach(ctx, s.orch, s.monitor, s.queue)
			defer handler.Detach()

			fmt.Printf("Dashboard: ws://%s/ws\n", server.GetAddr())
		}

		stopTrigger := notifyTrigger(d)
		defer stopTrigger()

		fmt.Printf("Sync daemon running against %s (store %s)\n", cfg.Remote.BaseURL, s.db.Path())
		fmt.Println("Press Ctrl+C to stop...")

		if err := d.Run(ctx); err != nil {
			stopTrigger()
			s.close()
			fatal("%v", err)
		}
		fmt.Println("\nSync daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Serve the WebSocket dashboard on this port (overrides dashboard.port)")
	rootCmd.AddCommand(daemonCmd)
}
