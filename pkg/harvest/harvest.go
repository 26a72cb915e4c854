// Package harvest drives the collection of catalog resources: it decides per
// resource between linear and segmented fetching, resumes from checkpoints,
// and records the outcome of every resource in a report.
package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/dedup"
	"github.com/Sternrassler/catalog-harvest/pkg/logging"
	"github.com/Sternrassler/catalog-harvest/pkg/pagination"
	"github.com/Sternrassler/catalog-harvest/pkg/planner"
	"github.com/Sternrassler/catalog-harvest/pkg/recordlog"
	"github.com/Sternrassler/catalog-harvest/pkg/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for resource outcomes.
var (
	resourcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_resources_total",
		Help: "Total resources harvested by final status",
	}, []string{"status"})

	resourceRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_resource_records",
		Help: "Records held in the record log per resource",
	}, []string{"resource"})
)

// ErrStateUnreadable is returned when a resource's checkpoint exists but
// cannot be used. The resource needs an explicit restart.
var ErrStateUnreadable = errors.New("resource state unreadable, restart required")

// SearchAPI is the part of the search client the harvester needs.
// *client.Client implements it.
type SearchAPI interface {
	Count(ctx context.Context, q client.Query) (int, error)
	Page(ctx context.Context, q client.Query, offset, size int) (*client.Page, error)
	Catalogs(ctx context.Context) ([]client.Catalog, error)
}

// Config holds harvester configuration.
type Config struct {
	// OutputDir receives record logs and reports.
	OutputDir string

	// PageSize is the requested page size.
	PageSize int

	// Planner configures segmentation. Its WindowCap is the API window.
	Planner planner.Config

	// Extractor selects record identifiers for deduplication.
	Extractor dedup.Extractor

	// Restart discards prior progress of every resource before fetching it.
	Restart bool
}

// DefaultConfig returns the default harvester configuration.
func DefaultConfig() Config {
	return Config{
		OutputDir: filepath.Join("data", "raw"),
		PageSize:  100,
		Planner:   planner.DefaultConfig(),
		Extractor: dedup.DefaultExtractor(),
	}
}

// Harvester fetches resources one at a time.
type Harvester struct {
	api     SearchAPI
	store   checkpoint.Store
	planner *planner.Planner
	config  Config
	logger  zerolog.Logger
}

// New creates a harvester.
func New(api SearchAPI, store checkpoint.Store, cfg Config) (*Harvester, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if cfg.Extractor.Primary == "" && cfg.Extractor.Secondary == "" {
		cfg.Extractor = dedup.DefaultExtractor()
	}
	if err := (pagination.Config{PageSize: cfg.PageSize, WindowCap: cfg.Planner.WindowCap}).Validate(); err != nil {
		return nil, err
	}
	p, err := planner.New(api, cfg.Planner)
	if err != nil {
		return nil, err
	}
	return &Harvester{
		api:     api,
		store:   store,
		planner: p,
		config:  cfg,
		logger:  logging.NewLogger("harvester"),
	}, nil
}

// Planner returns the segment planner, for replacing its fallback chain.
func (h *Harvester) Planner() *planner.Planner {
	return h.planner
}

// LogPath returns the record log path of resource.
func (h *Harvester) LogPath(resource string) string {
	return filepath.Join(h.config.OutputDir, checkpoint.Slug(resource)+".jsonl")
}

func (h *Harvester) windowCap() int {
	return h.config.Planner.WindowCap
}

func (h *Harvester) fetchConfig() pagination.Config {
	return pagination.Config{PageSize: h.config.PageSize, WindowCap: h.windowCap()}
}

// Restart removes the checkpoint, record log and report of resource.
func (h *Harvester) Restart(ctx context.Context, resource string) error {
	if err := h.store.Delete(ctx, resource); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if err := recordlog.Remove(h.LogPath(resource)); err != nil {
		return err
	}
	if err := report.RemoveResource(h.config.OutputDir, resource); err != nil {
		return err
	}
	h.logger.Info().Str("resource", resource).Msg("Discarded prior progress")
	return nil
}

// Fetch harvests one resource to completion and writes its report. The
// returned report is non-nil even when err is not.
func (h *Harvester) Fetch(ctx context.Context, resource string) (*report.Resource, error) {
	rep := report.NewResource(resource)
	rep.LogPath = h.LogPath(resource)

	err := h.fetch(ctx, resource, rep)
	if err != nil {
		rep.Fail(err)
	} else {
		rep.Finish()
	}
	if info, statErr := os.Stat(rep.LogPath); statErr == nil {
		rep.LogBytes = info.Size()
	}
	resourcesTotal.WithLabelValues(string(rep.Status)).Inc()
	resourceRecords.WithLabelValues(resource).Set(float64(rep.Fetched))

	if writeErr := report.WriteResource(h.config.OutputDir, rep); writeErr != nil {
		h.logger.Error().Err(writeErr).Str("resource", resource).Msg("Failed to write resource report")
	}
	return rep, err
}

func (h *Harvester) fetch(ctx context.Context, resource string, rep *report.Resource) error {
	logger := h.logger.With().Str("resource", resource).Logger()

	if h.config.Restart {
		if err := h.Restart(ctx, resource); err != nil {
			return err
		}
	}

	cp, resumed, err := h.load(ctx, resource, logger)
	if err != nil {
		return err
	}
	rep.Resumed = resumed

	filter, seeded, err := h.seed(rep.LogPath)
	if err != nil {
		return err
	}
	rep.Fetched = seeded

	sink, err := recordlog.Open(rep.LogPath)
	if err != nil {
		return err
	}
	defer sink.Close()
	if sink.Repaired > 0 {
		logger.Warn().Int64("bytes", sink.Repaired).Msg("Dropped partial record at end of log")
	}

	plan, err := h.prepare(ctx, cp, resumed, logger)
	if err != nil {
		return err
	}

	total, _ := cp.KnownTotal()
	rep.Expected = total
	rep.Mode = string(cp.Mode)
	if cp.Segmented != nil {
		rep.Field = cp.Segmented.Field
		rep.Strategy = cp.Segmented.Strategy
		rep.Segments = len(cp.Segmented.Segments)
	}
	for _, w := range planWarnings(cp, plan) {
		rep.AddWarning(w)
	}

	var outcome pagination.Outcome
	switch cp.Mode {
	case checkpoint.ModeSegmented:
		outcome, err = pagination.NewSegmented(h.api, sink, filter, h.store, h.fetchConfig()).Run(ctx, cp)
	default:
		outcome, err = pagination.NewLinear(h.api, sink, filter, h.store, h.fetchConfig()).Run(ctx, cp)
	}

	rep.Written = outcome.Written
	rep.Duplicates = outcome.Duplicates
	rep.Fetched += outcome.Written
	rep.Terminal = string(outcome.Terminal)
	for _, w := range outcome.Warnings {
		if w.Kind == pagination.WarningUnreachable {
			// already reported from the plan's capped segment
			continue
		}
		rep.AddWarning(report.Warning{
			Source:    "fetch",
			Kind:      string(w.Kind),
			Prefix:    w.Prefix,
			Shortfall: w.Shortfall,
			Message:   w.Message,
		})
	}
	if err != nil {
		return err
	}

	logger.Info().
		Str("mode", rep.Mode).
		Int("expected", rep.Expected).
		Int("fetched", rep.Fetched).
		Int("written", rep.Written).
		Int("duplicates", rep.Duplicates).
		Msg("Resource fetch finished")
	return nil
}

// load returns the resource's checkpoint and whether it is a resume. A
// checkpoint is only resumed together with its record log.
func (h *Harvester) load(ctx context.Context, resource string, logger zerolog.Logger) (*checkpoint.Checkpoint, bool, error) {
	cp, err := h.store.Load(ctx, resource)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		logger.Info().Msg("Starting from scratch")
		return checkpoint.New(resource), false, nil
	case errors.Is(err, checkpoint.ErrCorrupt):
		return nil, false, fmt.Errorf("%w: %v", ErrStateUnreadable, err)
	case err != nil:
		return nil, false, fmt.Errorf("load checkpoint: %w", err)
	}

	if cp.Resource != resource {
		return nil, false, fmt.Errorf("%w: checkpoint belongs to %q", ErrStateUnreadable, cp.Resource)
	}
	if !recordlog.Exists(h.LogPath(resource)) {
		logger.Warn().Msg("Checkpoint without record log, starting from scratch")
		return checkpoint.New(resource), false, nil
	}

	logger.Info().Str("mode", string(cp.Mode)).Msg("Resuming")
	return cp, true, nil
}

// seed builds the dedup filter from the records already in the log.
func (h *Harvester) seed(path string) (*dedup.Filter, int, error) {
	filter := dedup.NewFilter(dedup.NewSet(), h.config.Extractor)
	batch := make([]json.RawMessage, 1)
	n, err := recordlog.Scan(path, func(rec json.RawMessage) error {
		batch[0] = rec
		_, _, err := filter.Apply(batch)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("seed dedup set: %w", err)
	}
	return filter, n, nil
}

// prepare settles the checkpoint's mode before fetching: it counts the
// resource when the total may have changed and plans segments when needed.
// It returns the plan if one was computed in this call.
func (h *Harvester) prepare(ctx context.Context, cp *checkpoint.Checkpoint, resumed bool, logger zerolog.Logger) (*planner.Plan, error) {
	switch cp.Mode {
	case checkpoint.ModeLinear:
		total, err := h.api.Count(ctx, client.Query{Q: "*", ExtraFilter: client.CatalogFilter(cp.Resource)})
		if err != nil {
			return nil, fmt.Errorf("count %q: %w", cp.Resource, err)
		}
		if prev, ok := cp.KnownTotal(); resumed && ok && prev != total {
			logger.Info().Int("previous", prev).Int("total", total).Msg("Resource total changed since last run")
		}
		cp.SetTotal(total)

		if total <= h.windowCap() {
			logger.Info().Int("total", total).Msg("Fetching linearly")
			return nil, h.store.Save(ctx, cp)
		}

		logger.Info().
			Int("total", total).
			Int("window_cap", h.windowCap()).
			Msg("Total exceeds result window, switching to segmented fetch")
		return h.replan(ctx, cp, total)

	case checkpoint.ModeSegmented:
		if len(cp.Segmented.Segments) > 0 {
			return nil, nil
		}
		total, ok := cp.KnownTotal()
		if !ok {
			n, err := h.api.Count(ctx, client.Query{Q: "*", ExtraFilter: client.CatalogFilter(cp.Resource)})
			if err != nil {
				return nil, fmt.Errorf("count %q: %w", cp.Resource, err)
			}
			total = n
			cp.SetTotal(total)
		}
		logger.Warn().Msg("Segmented checkpoint has no segments, re-planning")
		return h.replan(ctx, cp, total)
	}
	return nil, fmt.Errorf("unknown checkpoint mode %q", cp.Mode)
}

func (h *Harvester) replan(ctx context.Context, cp *checkpoint.Checkpoint, total int) (*planner.Plan, error) {
	plan, err := h.planner.Plan(ctx, cp.Resource, total)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", cp.Resource, err)
	}
	cp.SwitchToSegmented(plan.Field, plan.Strategy, plan.Segments)
	if err := h.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return plan, nil
}

// planWarnings reports planning gaps. A fresh plan carries its own warnings;
// a resumed one is re-derived from the stored segments.
func planWarnings(cp *checkpoint.Checkpoint, plan *planner.Plan) []report.Warning {
	var out []report.Warning
	if plan != nil {
		for _, w := range plan.Warnings {
			rw := report.Warning{Source: "plan", Kind: string(w.Kind), Prefix: w.Prefix, Message: w.Message}
			switch w.Kind {
			case planner.WarningCappedSegment, planner.WarningUnpartitionable:
				rw.Shortfall = w.Shortfall
			}
			out = append(out, rw)
		}
		return out
	}

	if cp.Segmented == nil {
		return nil
	}
	for _, s := range cp.Segmented.Segments {
		if !s.Capped {
			continue
		}
		out = append(out, report.Warning{
			Source:    "plan",
			Kind:      string(planner.WarningCappedSegment),
			Prefix:    s.Prefix,
			Shortfall: s.Shortfall(),
			Message:   fmt.Sprintf("segment %q matches %d records, only %d reachable", s.Prefix, s.TrueTotal, s.Total),
		})
	}
	return out
}
