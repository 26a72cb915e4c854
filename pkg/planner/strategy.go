package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
)

// DefaultDateFields are the date-like fields probed by the date strategy, in order.
var DefaultDateFields = []string{"dateCreated", "datePublished", "dateModified", "date"}

// DefaultNameField is the name-like field used by the name strategy.
const DefaultNameField = "name"

// DefaultFirstYear is the earliest year the date strategy probes.
const DefaultFirstYear = 1980

// Target describes the resource a strategy partitions.
type Target struct {
	Resource string

	// Filter is the catalog scope applied to every count.
	Filter string

	// Field is the configured partition field.
	Field string

	// Total is the resource's record count.
	Total int

	counts *countCache
}

// Count returns the number of records matching q within the target's scope.
// A query already counted during this plan is answered from memory.
func (t Target) Count(ctx context.Context, q string) (int, error) {
	if t.counts == nil {
		return 0, errors.New("target has no counter")
	}
	return t.counts.count(ctx, q)
}

// Result is a segmentation produced by a strategy.
type Result struct {
	// Field is the field the segments select on.
	Field    string
	Strategy string
	Segments []checkpoint.Segment
	Warnings []Warning
}

// Strategy is one way of partitioning a resource.
// TrySegment returns nil when the strategy does not apply to the target.
type Strategy interface {
	Name() string
	TrySegment(ctx context.Context, target Target, safeLimit int) (*Result, error)
}

type queryFunc func(prefix string) string

func prefixQuery(field string) queryFunc {
	return func(prefix string) string {
		return checkpoint.PrefixQuery(field, prefix)
	}
}

func substringQuery(field string) queryFunc {
	return func(sub string) string {
		return fmt.Sprintf("%s:*%s*", field, sub)
	}
}

type node struct {
	prefix string
	count  int
	depth  int
}

type expansion struct {
	segments []checkpoint.Segment
	warnings []Warning

	// rootExhausted is set when the root exceeds the safe limit but no
	// symbol of the charset produced a non-empty child.
	rootExhausted bool
}

// expand runs breadth-first prefix expansion from the root (the whole target).
// Each prefix is counted at most once. literal stores the built query on each
// segment instead of relying on the prefix.
func expand(ctx context.Context, t Target, charset string, safe, maxDepth int, query queryFunc, literal bool) (*expansion, error) {
	out := &expansion{}
	emit := func(n node) {
		seg := capSegment(n.prefix, n.count, safe)
		if literal && n.prefix != "" {
			seg.WildcardQuery = query(n.prefix)
		}
		out.segments = append(out.segments, seg)
		if seg.Capped {
			out.warnings = append(out.warnings, Warning{
				Kind:      WarningCappedSegment,
				Field:     t.Field,
				Prefix:    n.prefix,
				Count:     n.count,
				Shortfall: seg.Shortfall(),
				Message: fmt.Sprintf("segment %q matches %d records, only %d reachable",
					n.prefix, n.count, seg.Total),
			})
		}
	}

	queue := []node{{prefix: "", count: t.Total}}
	seen := map[string]bool{"": true}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := queue[0]
		queue = queue[1:]

		switch {
		case n.count == 0:
			continue
		case n.count <= safe, n.depth >= maxDepth:
			emit(n)
			continue
		}

		children := 0
		for _, r := range charset {
			child := n.prefix + string(r)
			if seen[child] {
				continue
			}
			seen[child] = true

			count, err := t.Count(ctx, query(child))
			if err != nil {
				return nil, err
			}
			if count > 0 {
				queue = append(queue, node{prefix: child, count: count, depth: n.depth + 1})
				children++
			}
		}

		if children == 0 {
			if n.prefix == "" {
				return &expansion{rootExhausted: true}, nil
			}
			emit(n)
		}
	}
	return out, nil
}

// DateStrategy partitions by calendar year on the first date-like field that
// has values, splitting any year above the safe limit by month.
type DateStrategy struct {
	Fields    []string
	FirstYear int
	LastYear  int
}

// NewDateStrategy returns a date strategy probing fields for years from
// DefaultFirstYear through the current year.
func NewDateStrategy(fields []string) *DateStrategy {
	return &DateStrategy{
		Fields:    fields,
		FirstYear: DefaultFirstYear,
		LastYear:  time.Now().UTC().Year(),
	}
}

// Name implements Strategy.
func (s *DateStrategy) Name() string { return "date" }

// TrySegment implements Strategy.
func (s *DateStrategy) TrySegment(ctx context.Context, t Target, safe int) (*Result, error) {
	for _, field := range s.Fields {
		present, err := t.Count(ctx, field+":*")
		if err != nil {
			return nil, err
		}
		if present == 0 {
			continue
		}

		res := &Result{Field: field, Strategy: s.Name()}
		for year := s.FirstYear; year <= s.LastYear; year++ {
			from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
			q := dateRangeQuery(field, from, from.AddDate(1, 0, -1))
			count, err := t.Count(ctx, q)
			if err != nil {
				return nil, err
			}
			if count == 0 {
				continue
			}
			if count <= safe {
				res.Segments = append(res.Segments, checkpoint.Segment{
					Prefix: fmt.Sprintf("%04d", year), Total: count, WildcardQuery: q,
				})
				continue
			}
			if err := s.months(ctx, t, field, year, safe, res); err != nil {
				return nil, err
			}
		}
		if len(res.Segments) > 0 {
			return res, nil
		}
	}
	return nil, nil
}

func (s *DateStrategy) months(ctx context.Context, t Target, field string, year, safe int, res *Result) error {
	for month := time.January; month <= time.December; month++ {
		from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		q := dateRangeQuery(field, from, from.AddDate(0, 1, -1))
		count, err := t.Count(ctx, q)
		if err != nil {
			return err
		}
		if count == 0 {
			continue
		}
		label := fmt.Sprintf("%04d-%02d", year, int(month))
		seg := capSegment(label, count, safe)
		seg.WildcardQuery = q
		res.Segments = append(res.Segments, seg)
		if seg.Capped {
			res.Warnings = append(res.Warnings, Warning{
				Kind:      WarningCappedSegment,
				Field:     field,
				Prefix:    label,
				Count:     count,
				Shortfall: seg.Shortfall(),
				Message:   fmt.Sprintf("month %s matches %d records, only %d reachable", label, count, seg.Total),
			})
		}
	}
	return nil
}

func dateRangeQuery(field string, from, to time.Time) string {
	return fmt.Sprintf("%s:[%s TO %s]", field, from.Format("2006-01-02"), to.Format("2006-01-02"))
}

// NameStrategy partitions by the first character of a name-like field and
// splits oversized buckets by the second character.
type NameStrategy struct {
	Field   string
	Charset string
}

// NewNameStrategy creates a name strategy.
func NewNameStrategy(field, charset string) *NameStrategy {
	return &NameStrategy{Field: field, Charset: charset}
}

// Name implements Strategy.
func (s *NameStrategy) Name() string { return "name" }

// TrySegment implements Strategy.
func (s *NameStrategy) TrySegment(ctx context.Context, t Target, safe int) (*Result, error) {
	t.Field = s.Field
	exp, err := expand(ctx, t, s.Charset, safe, 2, prefixQuery(s.Field), false)
	if err != nil {
		return nil, err
	}
	if exp.rootExhausted || len(exp.segments) == 0 {
		return nil, nil
	}
	return &Result{Field: s.Field, Strategy: s.Name(), Segments: exp.segments, Warnings: exp.warnings}, nil
}

// WildcardStrategy partitions by substring match (field:*c*) for identifier
// schemes that do not support leading-prefix queries. Substring segments may
// overlap; the fetch stage deduplicates.
type WildcardStrategy struct {
	Field    string
	Charset  string
	MaxDepth int
}

// NewWildcardStrategy creates a wildcard strategy matching one- and two-symbol substrings.
func NewWildcardStrategy(field, charset string) *WildcardStrategy {
	return &WildcardStrategy{Field: field, Charset: charset, MaxDepth: 2}
}

// Name implements Strategy.
func (s *WildcardStrategy) Name() string { return "wildcard" }

// TrySegment implements Strategy.
func (s *WildcardStrategy) TrySegment(ctx context.Context, t Target, safe int) (*Result, error) {
	t.Field = s.Field
	exp, err := expand(ctx, t, s.Charset, safe, s.MaxDepth, substringQuery(s.Field), true)
	if err != nil {
		return nil, err
	}
	if exp.rootExhausted || len(exp.segments) == 0 {
		return nil, nil
	}
	return &Result{Field: s.Field, Strategy: s.Name(), Segments: exp.segments, Warnings: exp.warnings}, nil
}
