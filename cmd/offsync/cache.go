package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/cache"
	"github.com/agritrace/offsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maint",
	Short:   "Manage the local read cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [PREFIX]",
	Short: "Drop cached snapshots, optionally only those under PREFIX",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()
		c := cache.New(db, cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(logger("cache")))

		var (
			n   int
			err error
		)
		if len(args) == 1 {
			n, err = c.Invalidate(ctx, args[0])
		} else {
			n, err = c.Clear(ctx)
		}
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
		fmt.Printf("%s removed %d cache entr%s\n", ui.RenderPass("✓"), n, plural(n, "y", "ies"))
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
