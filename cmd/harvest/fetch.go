package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-harvest/internal/config"
	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/harvest"
	"github.com/Sternrassler/catalog-harvest/pkg/metrics"
	"github.com/Sternrassler/catalog-harvest/pkg/planner"
	"github.com/Sternrassler/catalog-harvest/pkg/report"
)

// errResourcesFailed is returned when at least one resource failed.
var errResourcesFailed = errors.New("resources failed")

const redisPingTimeout = 5 * time.Second

func newFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every record of the selected resources",
		Long: `Fetch every Dataset record of the selected resources into
<output-dir>/<resource>.jsonl. Each resource is checkpointed after every page;
re-running the same command resumes unfinished resources.`,
		Example: `  harvest fetch --resource ImmPort --resource Vivli
  harvest fetch --all --exclude "Protein Data Bank"
  harvest fetch --resource ImmPort --restart`,
		Args: cobra.NoArgs,
		RunE: runFetch,
	}

	flags := cmd.Flags()
	flags.StringSlice("resource", nil, "resource to fetch (repeatable, default ImmPort)")
	flags.Bool("all", false, "fetch every catalog the API lists")
	flags.StringSlice("exclude", harvest.DefaultExcluded, "catalogs skipped by --all")
	flags.String("output-dir", "data/raw", "directory for record logs, checkpoints and reports")
	flags.Int("page-size", 100, "records requested per page")
	flags.Int("window-cap", planner.DefaultWindowCap, "maximum result window of the API")
	flags.Bool("restart", false, "discard saved progress before fetching")
	flags.String("segment-field", planner.DefaultField, "field used for prefix segmentation")
	flags.String("segment-charset", planner.DefaultCharset, "characters tried at each prefix position")
	flags.Int("segment-max-length", planner.DefaultMaxPrefixLength, "maximum prefix length")
	flags.Float64("coverage-tolerance", planner.DefaultTolerance, "warn when planned segments cover less than this share of the total")
	flags.String("checkpoint-backend", config.BackendFile, "checkpoint backend (file, redis)")
	flags.String("redis-addr", "", "redis address for the redis checkpoint backend")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func runFetch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	api, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	h, err := harvest.New(api, store, cfg.HarvestConfig())
	if err != nil {
		return err
	}

	explicit := cfg.Fetch.Resources
	if cfg.Fetch.All && !cmd.Flags().Changed("resource") {
		explicit = nil
	}
	resources, err := h.ResolveResources(ctx, explicit, cfg.Fetch.All, cfg.Fetch.Exclude)
	if err != nil {
		return err
	}

	run := h.Run(ctx, resources)
	if err := report.Render(cmd.OutOrStdout(), run); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if !run.OK() {
		return fmt.Errorf("%w: %d of %d", errResourcesFailed, len(run.Failed), len(run.Resources))
	}
	return nil
}

// openStore returns the configured checkpoint store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, func(), error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Checkpoint.RedisAddr,
			Password: cfg.Checkpoint.RedisPassword,
			DB:       cfg.Checkpoint.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Checkpoint.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.Checkpoint.RedisAddr).Msg("Using redis checkpoint store")
		return checkpoint.NewRedisStore(rdb), func() { rdb.Close() }, nil
	default:
		return checkpoint.NewFileStore(cfg.Fetch.OutputDir), func() {}, nil
	}
}
