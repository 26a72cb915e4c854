// Package planner partitions a resource's record space into segments small
// enough to be paged completely under the search API's result window.
//
// The primary strategy is breadth-first prefix expansion on a partition field.
// When the field offers no prefix narrowing at all, an ordered chain of
// fallback strategies (date, name, wildcard substring) is tried until one
// produces segments.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for planning.
var (
	planCountQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_planner_count_queries_total",
		Help: "Total count queries issued while planning segments",
	})

	planSegments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_planner_segments",
		Help:    "Number of segments produced per plan",
		Buckets: []float64{1, 3, 10, 30, 100, 300, 1000},
	})

	planWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_planner_warnings_total",
		Help: "Total planning warnings by kind",
	}, []string{"kind"})
)

// Defaults from the collector's historical configuration.
const (
	DefaultWindowCap       = 10000
	DefaultField           = "identifier"
	DefaultCharset         = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultMaxPrefixLength = 4
	DefaultTolerance       = 0.9
)

// Counter reports how many records match a query.
type Counter interface {
	Count(ctx context.Context, q client.Query) (int, error)
}

// Config holds planner configuration.
type Config struct {
	// WindowCap is the largest offset+size the API honors.
	WindowCap int

	// Field is the partition field for prefix expansion.
	Field string

	// Charset is the alphabet appended to prefixes, one symbol at a time.
	Charset string

	// MaxPrefixLength bounds the expansion depth.
	MaxPrefixLength int

	// Tolerance is the fraction of the total the planned segments must
	// cover before a coverage warning is raised.
	Tolerance float64
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		WindowCap:       DefaultWindowCap,
		Field:           DefaultField,
		Charset:         DefaultCharset,
		MaxPrefixLength: DefaultMaxPrefixLength,
		Tolerance:       DefaultTolerance,
	}
}

// SafeLimit is the largest segment total that can be paged completely.
func (c Config) SafeLimit() int {
	return c.WindowCap - 1
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WindowCap < 2 {
		return fmt.Errorf("window cap must be at least 2, got %d", c.WindowCap)
	}
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("partition field is required")
	}
	if c.Charset == "" {
		return errors.New("partition charset is required")
	}
	if c.MaxPrefixLength < 1 {
		return fmt.Errorf("max prefix length must be at least 1, got %d", c.MaxPrefixLength)
	}
	if c.Tolerance <= 0 || c.Tolerance > 1 {
		return fmt.Errorf("coverage tolerance must be in (0, 1], got %v", c.Tolerance)
	}
	return nil
}

// UniqueCharset removes repeated symbols from charset, keeping first occurrences.
func UniqueCharset(charset string) string {
	seen := make(map[rune]bool)
	var b strings.Builder
	for _, r := range charset {
		if seen[r] {
			continue
		}
		seen[r] = true
		b.WriteRune(r)
	}
	return b.String()
}

// WarningKind classifies planning warnings.
type WarningKind string

const (
	// WarningCappedSegment marks a segment fetched only up to the safe limit.
	WarningCappedSegment WarningKind = "capped_segment"

	// WarningCoverageShortfall marks a plan whose segments sum below tolerance.
	WarningCoverageShortfall WarningKind = "coverage_shortfall"

	// WarningFallbackUsed records that a fallback strategy produced the plan.
	WarningFallbackUsed WarningKind = "fallback_used"

	// WarningUnpartitionable marks a resource no strategy could partition.
	WarningUnpartitionable WarningKind = "unpartitionable"
)

// Warning is a non-fatal planning finding.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	Field     string      `json:"field,omitempty"`
	Prefix    string      `json:"prefix,omitempty"`
	Count     int         `json:"count,omitempty"`
	Shortfall int         `json:"shortfall,omitempty"`
	Message   string      `json:"message"`
}

// Plan is a covering segmentation of one resource.
type Plan struct {
	Resource string
	Total    int

	// Field is the effective partition field. It differs from the configured
	// field when a fallback strategy produced the segments.
	Field    string
	Strategy string

	Segments     []checkpoint.Segment
	PlannedTotal int
	Warnings     []Warning

	// CountQueries is the number of count requests issued.
	CountQueries int
}

// Planner computes segment plans.
type Planner struct {
	counter   Counter
	config    Config
	fallbacks []Strategy
	logger    zerolog.Logger
}

// New creates a planner with the default fallback chain.
func New(counter Counter, cfg Config) (*Planner, error) {
	cfg.Charset = UniqueCharset(cfg.Charset)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planner config: %w", err)
	}
	return &Planner{
		counter: counter,
		config:  cfg,
		fallbacks: []Strategy{
			NewDateStrategy(DefaultDateFields),
			NewNameStrategy(DefaultNameField, cfg.Charset),
			NewWildcardStrategy(cfg.Field, cfg.Charset),
		},
		logger: logging.NewLogger("planner"),
	}, nil
}

// WithFallbacks replaces the fallback chain. Strategies are tried in order.
func (p *Planner) WithFallbacks(strategies ...Strategy) *Planner {
	p.fallbacks = strategies
	return p
}

// Config returns the effective configuration.
func (p *Planner) Config() Config {
	return p.config
}

// Plan partitions resource, whose record count is total, into segments of at
// most the safe limit each. Depth-capped segments are the only exception and
// are marked Capped with a warning.
func (p *Planner) Plan(ctx context.Context, resource string, total int) (*Plan, error) {
	logger := p.logger.With().Str("resource", resource).Int("total", total).Logger()
	safe := p.config.SafeLimit()

	target := Target{
		Resource: resource,
		Filter:   client.CatalogFilter(resource),
		Field:    p.config.Field,
		Total:    total,
		counts:   newCountCache(p.counter, client.CatalogFilter(resource)),
	}

	plan := &Plan{Resource: resource, Total: total, Field: p.config.Field, Strategy: "prefix"}

	logger.Info().
		Str("field", p.config.Field).
		Int("safe_limit", safe).
		Int("max_depth", p.config.MaxPrefixLength).
		Msg("Planning segments")

	exp, err := expand(ctx, target, p.config.Charset, safe, p.config.MaxPrefixLength, prefixQuery(p.config.Field), false)
	if err != nil {
		return nil, err
	}

	if exp.rootExhausted {
		logger.Warn().
			Str("field", p.config.Field).
			Msg("Partition field yields no prefix children, trying fallback strategies")

		res, err := p.fallback(ctx, target, safe, logger)
		if err != nil {
			return nil, err
		}
		if res != nil {
			plan.Field = res.Field
			plan.Strategy = res.Strategy
			plan.Segments = res.Segments
			plan.Warnings = append(plan.Warnings, res.Warnings...)
		} else {
			seg := capSegment("", total, safe)
			plan.Segments = []checkpoint.Segment{seg}
			plan.Strategy = "none"
			plan.Warnings = append(plan.Warnings, Warning{
				Kind:      WarningUnpartitionable,
				Field:     p.config.Field,
				Count:     total,
				Shortfall: seg.Shortfall(),
				Message:   "no strategy could partition the resource; fetching up to the window cap only",
			})
		}
	} else {
		plan.Segments = exp.segments
		plan.Warnings = append(plan.Warnings, exp.warnings...)
	}

	sort.SliceStable(plan.Segments, func(i, j int) bool {
		return plan.Segments[i].Prefix < plan.Segments[j].Prefix
	})

	for _, s := range plan.Segments {
		plan.PlannedTotal += s.Total
	}
	if s := coverageWarning(plan, p.config.Tolerance); s != nil {
		plan.Warnings = append(plan.Warnings, *s)
	}
	plan.CountQueries = target.counts.queries

	planSegments.Observe(float64(len(plan.Segments)))
	for _, w := range plan.Warnings {
		planWarnings.WithLabelValues(string(w.Kind)).Inc()
		logger.Warn().
			Str("kind", string(w.Kind)).
			Str("field", w.Field).
			Str("prefix", w.Prefix).
			Int("shortfall", w.Shortfall).
			Msg(w.Message)
	}

	logger.Info().
		Str("field", plan.Field).
		Str("strategy", plan.Strategy).
		Int("segments", len(plan.Segments)).
		Int("planned_total", plan.PlannedTotal).
		Int("count_queries", plan.CountQueries).
		Msg("Segment plan ready")

	return plan, nil
}

func (p *Planner) fallback(ctx context.Context, target Target, safe int, logger zerolog.Logger) (*Result, error) {
	for _, strategy := range p.fallbacks {
		res, err := strategy.TrySegment(ctx, target, safe)
		if err != nil {
			return nil, fmt.Errorf("%s strategy: %w", strategy.Name(), err)
		}
		if res == nil || len(res.Segments) == 0 {
			logger.Debug().Str("strategy", strategy.Name()).Msg("Fallback strategy not applicable")
			continue
		}
		if res.Strategy == "" {
			res.Strategy = strategy.Name()
		}
		res.Warnings = append(res.Warnings, Warning{
			Kind:    WarningFallbackUsed,
			Field:   res.Field,
			Message: fmt.Sprintf("segments planned with %s fallback", res.Strategy),
		})
		return res, nil
	}
	return nil, nil
}

// coverageWarning returns a warning if the planned segments cover less than
// tolerance of the total.
func coverageWarning(plan *Plan, tolerance float64) *Warning {
	if plan.Total <= 0 {
		return nil
	}
	if float64(plan.PlannedTotal) >= tolerance*float64(plan.Total) {
		return nil
	}
	return &Warning{
		Kind:      WarningCoverageShortfall,
		Field:     plan.Field,
		Count:     plan.PlannedTotal,
		Shortfall: plan.Total - plan.PlannedTotal,
		Message: fmt.Sprintf("planned segments cover %d of %d records (%.1f%%)",
			plan.PlannedTotal, plan.Total, 100*float64(plan.PlannedTotal)/float64(plan.Total)),
	}
}

// capSegment builds a segment for prefix, capping total at the safe limit.
func capSegment(prefix string, total, safe int) checkpoint.Segment {
	seg := checkpoint.Segment{Prefix: prefix, Total: total}
	if total > safe {
		seg.Total = safe
		seg.Capped = true
		seg.TrueTotal = total
	}
	return seg
}

// countCache issues each distinct count query at most once per plan.
type countCache struct {
	counter Counter
	filter  string
	seen    map[string]int
	queries int
}

func newCountCache(counter Counter, filter string) *countCache {
	return &countCache{counter: counter, filter: filter, seen: make(map[string]int)}
}

func (c *countCache) count(ctx context.Context, q string) (int, error) {
	if n, ok := c.seen[q]; ok {
		return n, nil
	}
	n, err := c.counter.Count(ctx, client.Query{Q: q, ExtraFilter: c.filter})
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", q, err)
	}
	c.queries++
	planCountQueries.Inc()
	c.seen[q] = n
	return n, nil
}
