//go:build unix

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/agritrace/offsync/internal/offline/daemon"
)

// notifyTrigger forwards SIGUSR1 to d.Trigger until the returned func is called.
func notifyTrigger(d *daemon.Daemon) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				d.Trigger()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
