// Package checkpoint holds the durable fetch progress of one catalog resource
// and the stores that persist it between runs.
//
// A checkpoint is in exactly one mode. Linear progress is a single next
// offset; segmented progress is a planned segment list plus the position
// (segment index, offset within the segment) of the next page. The
// mode-specific fields live in separate variants so one mode can never read
// the other's counters.
package checkpoint

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects how a resource is fetched.
type Mode string

const (
	// ModeLinear pages the whole resource with one query.
	ModeLinear Mode = "linear"

	// ModeSegmented walks planned sub-queries one after another.
	ModeSegmented Mode = "segmented"
)

var (
	// ErrNotFound is returned by stores when no checkpoint exists for a resource.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a stored checkpoint cannot be decoded or is inconsistent.
	ErrCorrupt = errors.New("checkpoint unreadable")

	// ErrRegression is returned when an update would move the segment position backwards.
	ErrRegression = errors.New("segment position may not move backwards")
)

// Segment is one sub-query of a resource's record space.
type Segment struct {
	// Prefix is the value prefix on the partition field, or a label for
	// segments that carry a literal query.
	Prefix string `json:"prefix"`

	// Total is the number of records to fetch. Never above the safe limit
	// unless the segment is Capped.
	Total int `json:"total"`

	// WildcardQuery overrides the prefix query when the selector is not a
	// plain prefix match (substring, date range).
	WildcardQuery string `json:"wildcard_query,omitempty"`

	// Capped marks a segment whose true count exceeds what the window can reach.
	Capped bool `json:"capped,omitempty"`

	// TrueTotal is the count reported before capping; zero when not capped.
	TrueTotal int `json:"true_total,omitempty"`
}

// PrefixQuery returns the query matching field values starting with prefix.
// An empty prefix matches everything.
func PrefixQuery(field, prefix string) string {
	if prefix == "" {
		return "*"
	}
	return field + ":" + prefix + "*"
}

// Query returns the search expression selecting this segment's records.
func (s Segment) Query(field string) string {
	if s.WildcardQuery != "" {
		return s.WildcardQuery
	}
	return PrefixQuery(field, s.Prefix)
}

// Shortfall returns how many records of a capped segment are unreachable.
func (s Segment) Shortfall() int {
	if !s.Capped || s.TrueTotal <= s.Total {
		return 0
	}
	return s.TrueTotal - s.Total
}

// LinearProgress is the linear-mode variant.
type LinearProgress struct {
	NextOffset int `json:"next_offset"`
}

// SegmentedProgress is the segmented-mode variant.
type SegmentedProgress struct {
	// Field is the partition field the segments were planned on. It may
	// differ from the requested field when a fallback strategy was used.
	Field string `json:"segment_field"`

	// Strategy names the planning strategy that produced the segments.
	Strategy string `json:"strategy,omitempty"`

	Segments []Segment `json:"segments"`
	Index    int       `json:"segment_index"`
	Offset   int       `json:"segment_offset"`
}

// Current returns the segment in progress, or false when all are done.
func (p *SegmentedProgress) Current() (Segment, bool) {
	if p.Index < 0 || p.Index >= len(p.Segments) {
		return Segment{}, false
	}
	return p.Segments[p.Index], true
}

// Checkpoint is the persisted progress of one resource.
type Checkpoint struct {
	Resource string `json:"resource"`
	Mode     Mode   `json:"mode"`

	// Total is the last known matching-record count, nil when unknown.
	Total *int `json:"total"`

	Linear    *LinearProgress    `json:"linear,omitempty"`
	Segmented *SegmentedProgress `json:"segmented,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty linear checkpoint for resource.
func New(resource string) *Checkpoint {
	return &Checkpoint{
		Resource: resource,
		Mode:     ModeLinear,
		Linear:   &LinearProgress{},
	}
}

// KnownTotal returns the last known total.
func (c *Checkpoint) KnownTotal() (int, bool) {
	if c.Total == nil {
		return 0, false
	}
	return *c.Total, true
}

// SetTotal records the resource's total.
func (c *Checkpoint) SetTotal(total int) {
	c.Total = &total
}

// AdvanceLinear moves the linear offset forward by n records.
func (c *Checkpoint) AdvanceLinear(n int) error {
	if c.Mode != ModeLinear || c.Linear == nil {
		return fmt.Errorf("advance linear offset on %s checkpoint", c.Mode)
	}
	if n < 0 {
		return fmt.Errorf("%w: linear advance by %d", ErrRegression, n)
	}
	c.Linear.NextOffset += n
	return nil
}

// SwitchToSegmented replaces any linear progress with a fresh segment plan.
func (c *Checkpoint) SwitchToSegmented(field, strategy string, segments []Segment) {
	c.Mode = ModeSegmented
	c.Linear = nil
	c.Segmented = &SegmentedProgress{
		Field:    field,
		Strategy: strategy,
		Segments: segments,
	}
}

// RecordSegmentOffset stores the offset reached within the current segment.
func (c *Checkpoint) RecordSegmentOffset(offset int) error {
	if c.Mode != ModeSegmented || c.Segmented == nil {
		return fmt.Errorf("record segment offset on %s checkpoint", c.Mode)
	}
	if offset < c.Segmented.Offset {
		return fmt.Errorf("%w: offset %d < %d", ErrRegression, offset, c.Segmented.Offset)
	}
	c.Segmented.Offset = offset
	return nil
}

// AdvanceSegment moves to segment next and resets the in-segment offset.
func (c *Checkpoint) AdvanceSegment(next int) error {
	if c.Mode != ModeSegmented || c.Segmented == nil {
		return fmt.Errorf("advance segment on %s checkpoint", c.Mode)
	}
	if next < c.Segmented.Index {
		return fmt.Errorf("%w: index %d < %d", ErrRegression, next, c.Segmented.Index)
	}
	if next > len(c.Segmented.Segments) {
		next = len(c.Segmented.Segments)
	}
	c.Segmented.Index = next
	c.Segmented.Offset = 0
	return nil
}

// Validate checks that exactly the variant matching Mode is present and that
// positions are in range.
func (c *Checkpoint) Validate() error {
	if strings.TrimSpace(c.Resource) == "" {
		return errors.New("resource is empty")
	}
	switch c.Mode {
	case ModeLinear:
		if c.Linear == nil || c.Segmented != nil {
			return errors.New("linear checkpoint must carry only linear progress")
		}
		if c.Linear.NextOffset < 0 {
			return fmt.Errorf("negative next_offset %d", c.Linear.NextOffset)
		}
	case ModeSegmented:
		if c.Segmented == nil || c.Linear != nil {
			return errors.New("segmented checkpoint must carry only segmented progress")
		}
		p := c.Segmented
		if p.Index < 0 || p.Index > len(p.Segments) {
			return fmt.Errorf("segment_index %d out of range [0, %d]", p.Index, len(p.Segments))
		}
		if p.Offset < 0 {
			return fmt.Errorf("negative segment_offset %d", p.Offset)
		}
		for i, s := range p.Segments {
			if s.Total < 0 {
				return fmt.Errorf("segment %d has negative total", i)
			}
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Total != nil && *c.Total < 0 {
		return fmt.Errorf("negative total %d", *c.Total)
	}
	return nil
}

// Slug turns a resource name into a file-name-safe identifier.
func Slug(resource string) string {
	var b strings.Builder
	for _, r := range resource {
		if r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	clean := b.String()
	for strings.Contains(clean, "__") {
		clean = strings.ReplaceAll(clean, "__", "_")
	}
	clean = strings.ToLower(strings.Trim(clean, "_"))
	if clean == "" {
		return "resource"
	}
	return clean
}
