package pagination

import (
	"context"
	"fmt"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/dedup"
	"github.com/Sternrassler/catalog-harvest/pkg/logging"
)

// Linear pages a resource with its full catalog query.
type Linear struct {
	pager
}

// NewLinear creates a linear fetcher.
func NewLinear(pages PageFetcher, sink Sink, filter *dedup.Filter, store checkpoint.Store, cfg Config) *Linear {
	return &Linear{pager{
		pages:  pages,
		sink:   sink,
		filter: filter,
		store:  store,
		config: cfg,
		mode:   string(checkpoint.ModeLinear),
		logger: logging.NewLogger("linear-fetcher"),
	}}
}

// Run fetches from cp's next offset until the total is reached, the API
// returns an empty page, or the window cap stops it. cp is saved after every
// page. cp must be in linear mode with a known total.
func (l *Linear) Run(ctx context.Context, cp *checkpoint.Checkpoint) (Outcome, error) {
	var out Outcome
	if cp.Mode != checkpoint.ModeLinear || cp.Linear == nil {
		return out, fmt.Errorf("linear fetch on %s checkpoint", cp.Mode)
	}
	total, ok := cp.KnownTotal()
	if !ok {
		return out, fmt.Errorf("linear fetch of %q without a known total", cp.Resource)
	}
	if err := l.config.Validate(); err != nil {
		return out, err
	}

	logger := l.logger.With().Str("resource", cp.Resource).Int("total", total).Logger()
	q := client.Query{Q: "*", ExtraFilter: client.CatalogFilter(cp.Resource)}

	if cp.Linear.NextOffset > 0 {
		logger.Info().Int("offset", cp.Linear.NextOffset).Msg("Resuming linear fetch")
	}

	for {
		offset := cp.Linear.NextOffset
		if offset >= total {
			out.Terminal = TerminalTotalReached
			break
		}
		size := l.pageSize(offset, total)
		if size == 0 {
			out.Terminal = TerminalWindowLimit
			out.Warnings = append(out.Warnings, Warning{
				Kind:      WarningWindowLimit,
				Offset:    offset,
				Shortfall: total - offset,
				Message:   fmt.Sprintf("window cap %d reached with %d records left", l.config.WindowCap, total-offset),
			})
			logger.Warn().Int("offset", offset).Msg("Window cap reached before total")
			break
		}

		n, err := l.step(ctx, q, offset, size, &out)
		if err != nil {
			if windowRejection(err, offset) {
				windowRejections.WithLabelValues(l.mode).Inc()
				out.Terminal = TerminalWindowRejected
				out.Warnings = append(out.Warnings, Warning{
					Kind:      WarningWindowRejected,
					Offset:    offset,
					Shortfall: total - offset,
					Message:   err.Error(),
				})
				logger.Warn().Err(err).Int("offset", offset).Bool("window_status", client.IsWindowRejected(err)).Msg("API rejected page position, stopping")
				break
			}
			return out, fmt.Errorf("fetch %q at offset %d: %w", cp.Resource, offset, err)
		}
		if n == 0 {
			out.Terminal = TerminalEmptyPage
			logger.Info().Int("offset", offset).Msg("Empty page before total, resource exhausted")
			break
		}

		if err := cp.AdvanceLinear(n); err != nil {
			return out, err
		}
		if err := l.save(ctx, cp); err != nil {
			return out, err
		}

		logger.Info().
			Int("offset", cp.Linear.NextOffset).
			Int("written", out.Written).
			Msg("Linear progress")
	}

	return out, nil
}
