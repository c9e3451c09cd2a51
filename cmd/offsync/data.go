package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/ui"
)

var createCmd = &cobra.Command{
	Use:     "create PATH JSON",
	GroupID: "data",
	Short:   "Create a resource, queueing it if the service is unreachable",
	Long: `Create a resource in the collection at PATH.

If the service answers, the confirmed record is printed. Otherwise the
operation is queued and a provisional record with a temporary "id" is printed.
Pass "-" as JSON to read the payload from stdin.

Example:
  offsync create /api/farmers '{"name":"Kollie","village":"Gbarnga"}'`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runWrite(model.KindCreate, args[0], readPayload(args[1]))
	},
}

var updateCmd = &cobra.Command{
	Use:     "update PATH JSON",
	GroupID: "data",
	Short:   "Partially update a resource, queueing it if the service is unreachable",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runWrite(model.KindUpdate, args[0], readPayload(args[1]))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete PATH",
	GroupID: "data",
	Short:   "Delete a resource, queueing it if the service is unreachable",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWrite(model.KindDelete, args[0], nil)
	},
}

var getCmd = &cobra.Command{
	Use:     "get PATH",
	GroupID: "data",
	Short:   "Read a resource, falling back to the local cache",
	Long: `Read the resource at PATH.

A live response refreshes the cache. When the service is unreachable the
cached copy is printed instead, with its age on stderr.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openSystem(ctx)
		defer s.close()

		s.prober.Check(ctx)
		res, err := s.facade.Get(ctx, args[0])
		if err != nil {
			s.close()
			fatal("%v", err)
		}
		if c, ok := res.(model.Confirmed); ok && c.FromCache {
			fmt.Fprintf(os.Stderr, "%s served from cache (%s old)\n",
				ui.RenderWarn("⚠"), time.Since(c.CachedAt).Round(time.Second))
		}
		printPayload(res.Payload())
	},
}

func runWrite(kind model.Kind, path string, data json.RawMessage) {
	ctx := context.Background()
	s := openSystem(ctx)
	defer s.close()

	s.prober.Check(ctx)
	var res model.Result
	var err error
	switch kind {
	case model.KindCreate:
		res, err = s.facade.Create(ctx, path, data)
	case model.KindUpdate:
		res, err = s.facade.Update(ctx, path, data)
	default:
		res, err = s.facade.Delete(ctx, path)
	}
	if err != nil {
		s.close()
		fatal("%v", err)
	}

	switch r := res.(type) {
	case model.Confirmed:
		fmt.Fprintf(os.Stderr, "%s %s confirmed\n", ui.RenderPass("✓"), kind)
	case model.Provisional:
		fmt.Fprintf(os.Stderr, "%s offline: %s queued as %s\n", ui.RenderWarn("⚠"), kind, r.OperationID)
	}
	printPayload(res.Payload())
}

func printPayload(p json.RawMessage) {
	if len(p) == 0 {
		return
	}
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		fmt.Println(string(p))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func init() {
	rootCmd.AddCommand(createCmd, updateCmd, deleteCmd, getCmd)
}
