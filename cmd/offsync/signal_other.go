//go:build !unix

package main

import "github.com/agritrace/offsync/internal/offline/daemon"

// notifyTrigger is a no-op where SIGUSR1 does not exist.
func notifyTrigger(*daemon.Daemon) func() { return func() {} }
