package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/dedup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for page fetching.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_total",
		Help: "Total pages fetched by mode",
	}, []string{"mode"})

	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_written_total",
		Help: "Total records appended to the record log by mode",
	}, []string{"mode"})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_duplicates_total",
		Help: "Total records skipped as already seen by mode",
	}, []string{"mode"})

	windowRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_window_rejections_total",
		Help: "Total pages the API refused at a window position by mode",
	}, []string{"mode"})
)

// Config holds fetcher configuration.
type Config struct {
	// PageSize is the requested page size.
	PageSize int

	// WindowCap is the largest offset+size the API honors.
	WindowCap int
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:  100,
		WindowCap: 10000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.WindowCap < 2 {
		return fmt.Errorf("window cap must be at least 2, got %d", c.WindowCap)
	}
	return nil
}

// PageFetcher fetches one window of results. *client.Client implements it.
type PageFetcher interface {
	Page(ctx context.Context, q client.Query, offset, size int) (*client.Page, error)
}

// Sink durably stores records. *recordlog.Log implements it.
type Sink interface {
	Append(records []json.RawMessage) error
}

// Terminal is the reason a fetch stopped.
type Terminal string

const (
	// TerminalTotalReached means the offset reached the expected total.
	TerminalTotalReached Terminal = "total_reached"

	// TerminalEmptyPage means the API returned no records before the total.
	TerminalEmptyPage Terminal = "empty_page"

	// TerminalWindowRejected means the API refused a page position.
	TerminalWindowRejected Terminal = "window_rejected"

	// TerminalWindowLimit means the window cap was reached before the total.
	TerminalWindowLimit Terminal = "window_limit"

	// TerminalSegmentsDone means every planned segment was walked.
	TerminalSegmentsDone Terminal = "segments_done"
)

// WarningKind classifies fetch warnings.
type WarningKind string

const (
	// WarningWindowRejected records a page the API refused.
	WarningWindowRejected WarningKind = "window_rejected"

	// WarningUnreachable records a segment whose true total exceeds the window.
	WarningUnreachable WarningKind = "unreachable_records"

	// WarningWindowLimit records a linear fetch stopped by the window cap.
	WarningWindowLimit WarningKind = "window_limit"
)

// Warning is a non-fatal fetch finding.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	Segment   int         `json:"segment"`
	Prefix    string      `json:"prefix,omitempty"`
	Offset    int         `json:"offset"`
	Shortfall int         `json:"shortfall,omitempty"`
	Message   string      `json:"message"`
}

// Outcome summarizes one fetcher run.
type Outcome struct {
	// Pages is the number of non-empty pages fetched this run.
	Pages int

	// Written is the number of records appended this run.
	Written int

	// Duplicates is the number of records skipped as already seen.
	Duplicates int

	// SegmentsDone is the number of segments finished this run.
	SegmentsDone int

	Terminal Terminal
	Warnings []Warning
}

// pager performs the page step shared by both fetchers.
type pager struct {
	pages  PageFetcher
	sink   Sink
	filter *dedup.Filter
	store  checkpoint.Store
	config Config
	mode   string
	logger zerolog.Logger
}

// pageSize returns the size of the next request so that it ends at or before
// both limit and the window cap. Zero means no request may be made.
func (p *pager) pageSize(offset, limit int) int {
	size := p.config.PageSize
	if rest := limit - offset; rest < size {
		size = rest
	}
	if rest := p.config.WindowCap - offset; rest < size {
		size = rest
	}
	if size < 0 {
		return 0
	}
	return size
}

// step fetches one page, filters and stores its records. It returns the
// number of records the API returned, which is what offsets advance by.
func (p *pager) step(ctx context.Context, q client.Query, offset, size int, out *Outcome) (int, error) {
	page, err := p.pages.Page(ctx, q, offset, size)
	if err != nil {
		return 0, err
	}
	if len(page.Hits) == 0 {
		return 0, nil
	}

	fresh, dups, err := p.filter.Apply(page.Hits)
	if err != nil {
		return 0, fmt.Errorf("dedup page at offset %d: %w", offset, err)
	}
	if err := p.sink.Append(fresh); err != nil {
		return 0, fmt.Errorf("append page at offset %d: %w", offset, err)
	}

	out.Pages++
	out.Written += len(fresh)
	out.Duplicates += dups
	pagesTotal.WithLabelValues(p.mode).Inc()
	recordsWritten.WithLabelValues(p.mode).Add(float64(len(fresh)))
	duplicatesTotal.WithLabelValues(p.mode).Add(float64(dups))

	p.logger.Debug().
		Str("q", q.Q).
		Int("offset", offset).
		Int("size", size).
		Int("hits", len(page.Hits)).
		Int("written", len(fresh)).
		Int("duplicates", dups).
		Msg("Page stored")

	return len(page.Hits), nil
}

func (p *pager) save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := p.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// windowRejection reports whether err is the API refusing a page position
// rather than the request failing for another reason. Offset 0 is always
// inside the window, so a rejection there is a bad query and stays fatal.
func windowRejection(err error, offset int) bool {
	if offset == 0 {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return client.IsClientRejected(err)
}
