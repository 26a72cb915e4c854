package pagination

import (
	"context"
	"fmt"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/dedup"
	"github.com/Sternrassler/catalog-harvest/pkg/logging"
)

// Segmented walks a resource's planned segments.
type Segmented struct {
	pager
}

// NewSegmented creates a segmented fetcher.
func NewSegmented(pages PageFetcher, sink Sink, filter *dedup.Filter, store checkpoint.Store, cfg Config) *Segmented {
	return &Segmented{pager{
		pages:  pages,
		sink:   sink,
		filter: filter,
		store:  store,
		config: cfg,
		mode:   string(checkpoint.ModeSegmented),
		logger: logging.NewLogger("segmented-fetcher"),
	}}
}

// Run walks segments from cp's segment index. The first segment resumes at
// the recorded segment offset; the offset resets to zero on every advance.
// cp is saved after every page and every segment advance.
func (s *Segmented) Run(ctx context.Context, cp *checkpoint.Checkpoint) (Outcome, error) {
	var out Outcome
	if cp.Mode != checkpoint.ModeSegmented || cp.Segmented == nil {
		return out, fmt.Errorf("segmented fetch on %s checkpoint", cp.Mode)
	}
	if err := s.config.Validate(); err != nil {
		return out, err
	}

	progress := cp.Segmented
	filter := client.CatalogFilter(cp.Resource)
	logger := s.logger.With().
		Str("resource", cp.Resource).
		Str("field", progress.Field).
		Int("segments", len(progress.Segments)).
		Logger()

	if progress.Index > 0 || progress.Offset > 0 {
		logger.Info().
			Int("segment", progress.Index).
			Int("offset", progress.Offset).
			Msg("Resuming segmented fetch")
	}

	for {
		seg, ok := progress.Current()
		if !ok {
			break
		}
		idx := progress.Index
		if err := s.segment(ctx, cp, idx, seg, client.Query{Q: seg.Query(progress.Field), ExtraFilter: filter}, &out); err != nil {
			return out, err
		}

		if err := cp.AdvanceSegment(idx + 1); err != nil {
			return out, err
		}
		if err := s.save(ctx, cp); err != nil {
			return out, err
		}
		out.SegmentsDone++
	}

	out.Terminal = TerminalSegmentsDone
	logger.Info().
		Int("written", out.Written).
		Int("duplicates", out.Duplicates).
		Msg("All segments walked")
	return out, nil
}

// segment pages one segment from the checkpoint's segment offset.
func (s *Segmented) segment(ctx context.Context, cp *checkpoint.Checkpoint, idx int, seg checkpoint.Segment, q client.Query, out *Outcome) error {
	logger := s.logger.With().
		Str("resource", cp.Resource).
		Int("segment", idx).
		Str("prefix", seg.Prefix).
		Str("q", q.Q).
		Logger()

	limit := seg.Total
	if limit > s.config.WindowCap {
		limit = s.config.WindowCap
	}

	trueTotal := seg.Total
	if seg.TrueTotal > trueTotal {
		trueTotal = seg.TrueTotal
	}
	if trueTotal > limit && cp.Segmented.Offset == 0 {
		out.Warnings = append(out.Warnings, Warning{
			Kind:      WarningUnreachable,
			Segment:   idx,
			Prefix:    seg.Prefix,
			Shortfall: trueTotal - limit,
			Message: fmt.Sprintf("segment %q matches %d records, %d reachable; needs deeper partitioning",
				seg.Prefix, trueTotal, limit),
		})
		logger.Warn().
			Int("true_total", trueTotal).
			Int("reachable", limit).
			Msg("Segment exceeds window, sub-segmentation needed")
	}

	if limit == 0 {
		logger.Debug().Msg("Skipping empty segment")
		return nil
	}

	for {
		offset := cp.Segmented.Offset
		if offset >= limit {
			return nil
		}
		size := s.pageSize(offset, limit)
		if size == 0 {
			return nil
		}

		n, err := s.step(ctx, q, offset, size, out)
		if err != nil {
			if windowRejection(err, offset) {
				windowRejections.WithLabelValues(s.mode).Inc()
				out.Warnings = append(out.Warnings, Warning{
					Kind:      WarningWindowRejected,
					Segment:   idx,
					Prefix:    seg.Prefix,
					Offset:    offset,
					Shortfall: limit - offset,
					Message:   err.Error(),
				})
				logger.Warn().Err(err).Int("offset", offset).Bool("window_status", client.IsWindowRejected(err)).Msg("API rejected page position, ending segment")
				return nil
			}
			return fmt.Errorf("fetch segment %d (%q) at offset %d: %w", idx, seg.Prefix, offset, err)
		}
		if n == 0 {
			logger.Debug().Int("offset", offset).Msg("Empty page, segment exhausted")
			return nil
		}

		if err := cp.RecordSegmentOffset(offset + n); err != nil {
			return err
		}
		if err := s.save(ctx, cp); err != nil {
			return err
		}

		logger.Info().
			Int("offset", cp.Segmented.Offset).
			Int("of", limit).
			Msg("Segment progress")
	}
}
