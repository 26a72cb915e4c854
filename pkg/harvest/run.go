package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/catalog-harvest/pkg/report"
)

// DefaultExcluded lists catalogs skipped by discovery unless named explicitly.
var DefaultExcluded = []string{"Protein Data Bank"}

// Run fetches resources one after another and writes the run report. A
// failed resource is recorded and the run moves on; once ctx is done the
// remaining resources are recorded as failed without being attempted.
func (h *Harvester) Run(ctx context.Context, resources []string) *report.Run {
	run := report.NewRun()
	logger := h.logger.With().Str("run_id", run.RunID).Logger()
	logger.Info().Int("resources", len(resources)).Msg("Harvest run started")

	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			rep := report.NewResource(resource)
			rep.Fail(fmt.Errorf("not attempted: %w", err))
			run.Add(rep)
			continue
		}

		rep, err := h.Fetch(ctx, resource)
		if err != nil {
			event := logger.Error().Err(err).Str("resource", resource)
			if errors.Is(err, ErrStateUnreadable) {
				event = event.Str("hint", "re-run with --restart for this resource")
			}
			event.Msg("Resource failed")
		}
		run.Add(rep)
	}

	run.Finish()
	if err := report.WriteRun(h.config.OutputDir, run); err != nil {
		logger.Error().Err(err).Msg("Failed to write run report")
	}

	logger.Info().
		Int("completed", len(run.Completed)).
		Int("incomplete", len(run.Incomplete)).
		Int("failed", len(run.Failed)).
		Msg("Harvest run finished")
	return run
}

// ResolveResources returns the resources to fetch. With all set, every
// catalog the API lists is included except those in exclude; explicitly
// named resources are always included. Names are trimmed and de-duplicated
// preserving order.
func (h *Harvester) ResolveResources(ctx context.Context, explicit []string, all bool, exclude []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, name := range explicit {
		add(name)
	}

	if all {
		skip := make(map[string]bool, len(exclude))
		for _, name := range exclude {
			skip[strings.ToLower(strings.TrimSpace(name))] = true
		}

		catalogs, err := h.api.Catalogs(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover catalogs: %w", err)
		}
		skipped := 0
		for _, c := range catalogs {
			if skip[strings.ToLower(c.Name)] {
				skipped++
				continue
			}
			add(c.Name)
		}
		h.logger.Info().
			Int("catalogs", len(catalogs)).
			Int("excluded", skipped).
			Msg("Discovered catalogs")
	}

	if len(out) == 0 {
		return nil, errors.New("no resources to fetch")
	}
	return out, nil
}
