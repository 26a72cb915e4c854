package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkpointWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_checkpoint_writes_total",
		Help: "Total number of checkpoint writes by backend",
	}, []string{"backend"})

	checkpointErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_checkpoint_errors_total",
		Help: "Total number of checkpoint store errors by backend and operation",
	}, []string{"backend", "operation"})
)

// Store persists checkpoints keyed by resource name.
type Store interface {
	// Load returns ErrNotFound when no checkpoint exists and wraps ErrCorrupt
	// when one exists but cannot be used.
	Load(ctx context.Context, resource string) (*Checkpoint, error)

	// Save overwrites the resource's checkpoint and stamps UpdatedAt.
	Save(ctx context.Context, cp *Checkpoint) error

	// Delete removes the checkpoint. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, resource string) error
}

// decode unmarshals and validates stored checkpoint bytes.
func decode(data []byte, where string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, where, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, where, err)
	}
	return &cp, nil
}

// FileStore keeps one JSON file per resource in Dir.
type FileStore struct {
	Dir string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the checkpoint file of resource.
func (s *FileStore) Path(resource string) string {
	return filepath.Join(s.Dir, Slug(resource)+"_state.json")
}

// Load reads the checkpoint of resource.
func (s *FileStore) Load(_ context.Context, resource string) (*Checkpoint, error) {
	path := s.Path(resource)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		checkpointErrorsTotal.WithLabelValues("file", "load").Inc()
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	cp, err := decode(data, path)
	if err != nil {
		checkpointErrorsTotal.WithLabelValues("file", "load").Inc()
		return nil, err
	}
	return cp, nil
}

// Save writes the checkpoint atomically: a temp file in Dir is synced and
// renamed over the previous file.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.Path(cp.Resource)
	tmp, err := os.CreateTemp(s.Dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		checkpointErrorsTotal.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		checkpointErrorsTotal.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		checkpointErrorsTotal.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		checkpointErrorsTotal.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		checkpointErrorsTotal.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	checkpointWritesTotal.WithLabelValues("file").Inc()
	return nil
}

// Delete removes the checkpoint file of resource.
func (s *FileStore) Delete(_ context.Context, resource string) error {
	err := os.Remove(s.Path(resource))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		checkpointErrorsTotal.WithLabelValues("file", "delete").Inc()
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
