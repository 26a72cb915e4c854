// Package dedup tracks which records of a resource have already been written.
package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Default identifier fields of search API records.
const (
	DefaultPrimaryField   = "_id"
	DefaultSecondaryField = "identifier"
)

// Extractor reads a record's identity from its primary field, falling back to
// the secondary field when the primary is absent or empty.
type Extractor struct {
	Primary   string
	Secondary string
}

// DefaultExtractor returns the extractor for search API records.
func DefaultExtractor() Extractor {
	return Extractor{Primary: DefaultPrimaryField, Secondary: DefaultSecondaryField}
}

// ID returns the identifier of raw, or false when neither field holds one.
func (e Extractor) ID(raw json.RawMessage) (string, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false, fmt.Errorf("decode record: %w", err)
	}
	for _, name := range []string{e.Primary, e.Secondary} {
		if name == "" {
			continue
		}
		if id, ok := scalar(fields[name]); ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

// scalar renders a JSON string or number as an identifier. Arrays use their
// first scalar element, the way multi-valued identifier fields are indexed.
func scalar(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if id, ok := scalar(item); ok {
				return id, true
			}
		}
	}
	return "", false
}

// Set is the resource-scoped set of identifiers seen so far.
// It is not safe for concurrent use; fetching is sequential.
type Set struct {
	seen map[string]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Add records id and reports whether it was new.
func (s *Set) Add(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Contains reports whether id was seen.
func (s *Set) Contains(id string) bool {
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of identifiers seen.
func (s *Set) Len() int {
	return len(s.seen)
}

// Filter keeps the records of a page not seen before, adding them to the set.
// Records without any identifier are keyed by a digest of their compacted
// JSON, which is what the record log stores, so reseeding from the log
// recognizes them again.
type Filter struct {
	set       *Set
	extractor Extractor
}

// NewFilter builds a filter over set.
func NewFilter(set *Set, extractor Extractor) *Filter {
	return &Filter{set: set, extractor: extractor}
}

// Set returns the underlying identifier set.
func (f *Filter) Set() *Set {
	return f.set
}

// Apply returns the new records of hits and the number of duplicates dropped.
func (f *Filter) Apply(hits []json.RawMessage) ([]json.RawMessage, int, error) {
	fresh := make([]json.RawMessage, 0, len(hits))
	duplicates := 0
	for _, hit := range hits {
		id, ok, err := f.extractor.ID(hit)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			if id, err = ContentKey(hit); err != nil {
				return nil, 0, err
			}
		}
		if !f.set.Add(id) {
			duplicates++
			continue
		}
		fresh = append(fresh, hit)
	}
	return fresh, duplicates, nil
}

// ContentKey returns the set key of a record without an identifier.
func ContentKey(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("compact record: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return "\x00sha256:" + hex.EncodeToString(sum[:]), nil
}
