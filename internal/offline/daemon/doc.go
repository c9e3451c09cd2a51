// Package daemon runs the long-lived side of offline sync on a device.
//
// # Architecture
//
// The daemon wires several components around one SQLite store:
//
//   - StoreWatcher: fsnotify on the store directory, filtered to the database
//     and its write-ahead log
//   - Prober: health checks with exponential backoff while offline
//   - Orchestrator: replays the queue when connectivity returns
//   - Revalidation: a periodic probe that requests a pass while operations wait
//
// Other processes (for example the offsync CLI) may enqueue into the same
// store while the daemon runs. Each write touches the WAL; after a quiet
// period the daemon compares the store's operation sequence with the last one
// it saw and, if it grew, requests a pass.
//
// # Usage
//
//	d, err := daemon.New(daemon.Deps{
//	    Store:        db,
//	    Queue:        q,
//	    Orchestrator: orch,
//	    Monitor:      monitor,
//	    Prober:       prober,
//	})
//	if err != nil {
//	    return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	return d.Run(ctx)
//
// Trigger requests an immediate probe and pass; the CLI maps SIGUSR1 to it.
package daemon
