// Package report records the outcome of harvesting each resource and of a
// whole run, as JSON files next to the record logs and as a rendered table.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/google/uuid"
)

// Status is the end state of one resource.
type Status string

const (
	// StatusCompleted means every expected record was fetched without gap warnings.
	StatusCompleted Status = "completed"

	// StatusIncomplete means the fetch finished but known gaps remain.
	StatusIncomplete Status = "incomplete"

	// StatusFailed means the fetch stopped on an error.
	StatusFailed Status = "failed"
)

// RunFileName is the run report's file name inside the output directory.
const RunFileName = "run_report.json"

// Warning is a planning or fetch warning attached to a resource.
type Warning struct {
	// Source is "plan" or "fetch".
	Source    string `json:"source"`
	Kind      string `json:"kind"`
	Prefix    string `json:"prefix,omitempty"`
	Shortfall int    `json:"shortfall,omitempty"`
	Message   string `json:"message"`
}

// Resource is the report for one resource.
type Resource struct {
	Resource string `json:"resource"`
	Status   Status `json:"status"`
	Mode     string `json:"mode,omitempty"`
	Resumed  bool   `json:"resumed"`

	// Field and Strategy describe the segmentation, if any.
	Field    string `json:"segment_field,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Segments int    `json:"segments,omitempty"`

	// Expected is the total reported by the API.
	Expected int `json:"expected"`

	// Fetched is the number of records in the record log.
	Fetched int `json:"fetched"`

	// Written and Duplicates count this run only.
	Written    int `json:"written"`
	Duplicates int `json:"duplicates"`

	// Shortfall is the estimated number of unreachable records.
	Shortfall int `json:"shortfall,omitempty"`

	LogPath  string `json:"log_path,omitempty"`
	LogBytes int64  `json:"log_bytes,omitempty"`

	Terminal string    `json:"terminal,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewResource starts a report for resource.
func NewResource(resource string) *Resource {
	return &Resource{Resource: resource, StartedAt: time.Now().UTC()}
}

// AddWarning attaches a warning and folds its shortfall into the total.
func (r *Resource) AddWarning(w Warning) {
	r.Warnings = append(r.Warnings, w)
	r.Shortfall += w.Shortfall
}

// Fail marks the resource failed with err.
func (r *Resource) Fail(err error) {
	r.Status = StatusFailed
	r.Error = err.Error()
	r.FinishedAt = time.Now().UTC()
}

// Finish sets the final status from the counts and warnings. A failed
// resource stays failed.
func (r *Resource) Finish() {
	r.FinishedAt = time.Now().UTC()
	if r.Status == StatusFailed {
		return
	}
	if r.Shortfall > 0 || r.Fetched < r.Expected {
		r.Status = StatusIncomplete
		return
	}
	r.Status = StatusCompleted
}

// Duration returns how long the resource took.
func (r *Resource) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Run is the report of one invocation across resources.
type Run struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Resources  []*Resource `json:"resources"`

	Completed  []string `json:"completed"`
	Incomplete []string `json:"incomplete"`
	Failed     []string `json:"failed"`
}

// NewRun starts a run report with a fresh run id.
func NewRun() *Run {
	return &Run{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Completed:  []string{},
		Incomplete: []string{},
		Failed:     []string{},
	}
}

// Add records a finished resource.
func (r *Run) Add(res *Resource) {
	r.Resources = append(r.Resources, res)
	switch res.Status {
	case StatusCompleted:
		r.Completed = append(r.Completed, res.Resource)
	case StatusIncomplete:
		r.Incomplete = append(r.Incomplete, res.Resource)
	default:
		r.Failed = append(r.Failed, res.Resource)
	}
}

// Finish stamps the end time.
func (r *Run) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// OK reports whether no resource failed.
func (r *Run) OK() bool {
	return len(r.Failed) == 0
}

// ResourcePath returns the report path for resource inside dir.
func ResourcePath(dir, resource string) string {
	return filepath.Join(dir, checkpoint.Slug(resource)+"_report.json")
}

// WriteResource writes r to its report file in dir.
func WriteResource(dir string, r *Resource) error {
	return writeJSON(ResourcePath(dir, r.Resource), r)
}

// WriteRun writes run to RunFileName in dir.
func WriteRun(dir string, run *Run) error {
	return writeJSON(filepath.Join(dir, RunFileName), run)
}

// RemoveResource deletes the report of resource. A missing file is not an error.
func RemoveResource(dir, resource string) error {
	if err := os.Remove(ResourcePath(dir, resource)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove report: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}
