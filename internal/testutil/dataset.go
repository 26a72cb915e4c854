// Package testutil provides testing utilities for the catalog harvester: an
// in-memory dataset that evaluates the search API's query dialect, and an
// httptest server that serves it with window-cap enforcement and fault injection.
package testutil

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Record is one backing record of the mock dataset.
type Record = map[string]any

var catalogFilterRe = regexp.MustCompile(`includedInDataCatalog\.name:\("([^"]*)"\)`)

// Dataset is an ordered, immutable record collection.
type Dataset struct {
	Records []Record
}

// NewDataset wraps records in a Dataset.
func NewDataset(records ...[]Record) *Dataset {
	d := &Dataset{}
	for _, batch := range records {
		d.Records = append(d.Records, batch...)
	}
	return d
}

// MakeRecords builds Dataset records for a catalog, one per identifier.
// dates, when non-empty, is cycled to fill dateCreated.
func MakeRecords(catalog string, ids []string, dates ...string) []Record {
	records := make([]Record, 0, len(ids))
	for i, id := range ids {
		rec := Record{
			"_id":        strings.ToLower(catalog) + "_" + id,
			"identifier": id,
			"name":       "Dataset " + id,
			"@type":      "Dataset",
			"includedInDataCatalog": map[string]any{
				"name": catalog,
			},
		}
		if len(dates) > 0 {
			rec["dateCreated"] = dates[i%len(dates)]
		}
		records = append(records, rec)
	}
	return records
}

// SequentialIDs returns n identifiers "<prefix><zero-padded index>".
func SequentialIDs(prefix string, n, width int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%0*d", prefix, width, i)
	}
	return ids
}

// Match returns the records matching q within extraFilter, in dataset order.
func (d *Dataset) Match(q, extraFilter string) []Record {
	match := parseQuery(q)
	catalog := ""
	if m := catalogFilterRe.FindStringSubmatch(extraFilter); m != nil {
		catalog = m[1]
	}

	var out []Record
	for _, rec := range d.Records {
		if catalog != "" && !anyValue(lookup(rec, "includedInDataCatalog.name"), func(v string) bool { return v == catalog }) {
			continue
		}
		if match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Count implements a search counter over the dataset. The signature matches
// the planner's Counter once adapted to client.Query.
func (d *Dataset) Count(_ context.Context, q, extraFilter string) (int, error) {
	return len(d.Match(q, extraFilter)), nil
}

// Catalogs returns record counts per catalog name.
func (d *Dataset) Catalogs() map[string]int {
	out := make(map[string]int)
	for _, rec := range d.Records {
		for _, v := range values(lookup(rec, "includedInDataCatalog.name")) {
			out[v]++
		}
	}
	return out
}

func parseQuery(q string) func(Record) bool {
	q = strings.TrimSpace(q)
	if q == "" || q == "*" {
		return func(Record) bool { return true }
	}

	idx := strings.Index(q, ":")
	if idx < 0 {
		term := strings.ToUpper(q)
		return func(rec Record) bool {
			return anyValue(lookup(rec, "name"), func(v string) bool {
				return strings.Contains(strings.ToUpper(v), term)
			})
		}
	}

	field, expr := q[:idx], q[idx+1:]

	switch {
	case strings.HasPrefix(expr, "[") && strings.HasSuffix(expr, "]"):
		lo, hi, _ := strings.Cut(strings.Trim(expr, "[]"), " TO ")
		return func(rec Record) bool {
			return anyValue(lookup(rec, field), func(v string) bool {
				return inRange(v, strings.TrimSpace(lo), strings.TrimSpace(hi))
			})
		}
	case len(expr) >= 2 && strings.HasPrefix(expr, "*") && strings.HasSuffix(expr, "*"):
		sub := strings.ToUpper(strings.Trim(expr, "*"))
		return func(rec Record) bool {
			return anyValue(lookup(rec, field), func(v string) bool {
				return strings.Contains(strings.ToUpper(v), sub)
			})
		}
	case strings.HasSuffix(expr, "*"):
		prefix := strings.ToUpper(strings.TrimSuffix(expr, "*"))
		return func(rec Record) bool {
			return anyValue(lookup(rec, field), func(v string) bool {
				return strings.HasPrefix(strings.ToUpper(v), prefix)
			})
		}
	default:
		want := strings.Trim(expr, `"()`)
		return func(rec Record) bool {
			return anyValue(lookup(rec, field), func(v string) bool { return strings.EqualFold(v, want) })
		}
	}
}

// inRange compares v against inclusive bounds, truncating v to each bound's
// length so "2020-12-31T10:00" falls within "[2020-01-01 TO 2020-12-31]".
func inRange(v, lo, hi string) bool {
	if lo != "*" && lo != "" && truncate(v, len(lo)) < lo {
		return false
	}
	if hi != "*" && hi != "" && truncate(v, len(hi)) > hi {
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func lookup(rec Record, path string) any {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func values(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, values(item)...)
		}
		return out
	case []string:
		return t
	default:
		return []string{fmt.Sprint(t)}
	}
}

func anyValue(v any, fn func(string) bool) bool {
	for _, s := range values(v) {
		if fn(s) {
			return true
		}
	}
	return false
}
