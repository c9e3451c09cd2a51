package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agritrace/offsync/internal/offline/cache"
	"github.com/agritrace/offsync/internal/offline/client"
	"github.com/agritrace/offsync/internal/offline/conflict"
	"github.com/agritrace/offsync/internal/offline/connectivity"
	"github.com/agritrace/offsync/internal/offline/queue"
	"github.com/agritrace/offsync/internal/offline/remote"
	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/agritrace/offsync/internal/offline/syncer"
)

// system holds the wired offline components for one command invocation.
type system struct {
	db      *store.DB
	queue   *queue.Queue
	cache   *cache.Cache
	remote  *remote.HTTPClient
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	orch    *syncer.Orchestrator
	facade  *client.Facade
}

// openStore opens the configured store, exiting on failure.
func openStore() *store.DB {
	opts := store.DefaultOptions()
	opts.MaxPages = cfg.Store.MaxPages
	db, err := store.OpenWithOptions(cfg.Store.Path, opts)
	if err != nil {
		fatal("failed to open store %s: %v", cfg.Store.Path, err)
	}
	return db
}

// openSystem wires every component. The monitor starts offline; callers
// probe before relying on it.
func openSystem(ctx context.Context) *system {
	if cfg.Remote.BaseURL == "" {
		fatal("remote.base_url is not configured (set it in offsync.toml, OFFSYNC_REMOTE_BASE_URL or --base-url)")
	}

	s := &system{db: openStore()}

	var err error
	s.queue, err = queue.New(ctx, s.db, logger("queue"))
	if err != nil {
		s.close()
		fatal("%v", err)
	}
	s.cache = cache.New(s.db, cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(logger("cache")))

	rcfg := remote.DefaultConfig(cfg.Remote.BaseURL)
	rcfg.Timeout = cfg.Remote.Timeout
	rcfg.HealthPath = cfg.Remote.HealthPath
	rcfg.Tokens = remote.ChainTokenSource{
		remote.StaticTokenSource(cfg.Remote.Token),
		&remote.StoreTokenSource{DB: s.db, UserID: cfg.Sync.UserID},
	}
	rcfg.Logger = logger("remote")
	s.remote, err = remote.New(rcfg)
	if err != nil {
		s.close()
		fatal("%v", err)
	}

	s.monitor = connectivity.NewMonitor(false, logger("connectivity"))
	pcfg := connectivity.DefaultProberConfig()
	pcfg.Logger = logger("prober")
	s.prober = connectivity.NewProber(s.monitor, s.remote, pcfg)

	scfg, err := syncConfig()
	if err != nil {
		s.close()
		fatal("%v", err)
	}
	s.orch, err = syncer.New(syncer.Deps{
		Store:   s.db,
		Queue:   s.queue,
		Cache:   s.cache,
		Remote:  s.remote,
		Monitor: s.monitor,
	}, scfg)
	if err != nil {
		s.close()
		fatal("%v", err)
	}

	s.facade, err = client.New(client.Deps{
		Queue:   s.queue,
		Cache:   s.cache,
		Remote:  s.remote,
		Monitor: s.monitor,
	}, client.Config{UserID: cfg.Sync.UserID, Logger: logger("client")})
	if err != nil {
		s.close()
		fatal("%v", err)
	}
	return s
}

func (s *system) close() {
	if s.orch != nil {
		s.orch.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func syncConfig() (syncer.Config, error) {
	scfg := syncer.DefaultConfig()
	strategy, err := conflict.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return scfg, err
	}
	scfg.Strategy = strategy
	scfg.MaxRetries = cfg.Sync.MaxRetries
	if cfg.Sync.FailFast4xx {
		scfg.Classify = syncer.FailFast4xx
	}
	scfg.Logger = logger("sync")
	return scfg, nil
}

// printStructured writes v as JSON or YAML. It returns false for other formats.
func printStructured(w io.Writer, format string, v any) bool {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fatal("failed to encode output: %v", err)
		}
		return true
	case "yaml":
		// Round-trip through JSON so json tags and raw payloads render as
		// plain YAML values.
		raw, err := json.Marshal(v)
		if err != nil {
			fatal("failed to encode output: %v", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			fatal("failed to encode output: %v", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			fatal("failed to encode output: %v", err)
		}
		_ = enc.Close()
		return true
	case "", "text":
		return false
	default:
		fatal("unknown output format %q (want text, json or yaml)", format)
		return false
	}
}

// readPayload returns the JSON argument, reading stdin when it is "-".
func readPayload(arg string) json.RawMessage {
	data := []byte(arg)
	if arg == "-" {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			fatal("failed to read stdin: %v", err)
		}
	}
	if !json.Valid(data) {
		fatal("payload is not valid JSON")
	}
	return json.RawMessage(data)
}
