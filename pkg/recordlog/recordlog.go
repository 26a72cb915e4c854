// Package recordlog is the append-only JSON Lines log that fetched records are
// written to, one compact record per line in fetch order.
package recordlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// tailChunk is how far back Open looks at a time for the last complete line.
const tailChunk = 64 * 1024

// Log is an open record log.
type Log struct {
	path string
	file *os.File
	buf  bytes.Buffer

	// Repaired is the number of bytes of a trailing partial line dropped by Open.
	Repaired int64
}

// Open opens path for appending, creating it and its directory if needed.
// A trailing partial line left by an interrupted write is truncated first.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create record log dir: %w", err)
	}

	repaired, err := repairTail(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record log: %w", err)
	}
	return &Log{path: path, file: f, Repaired: repaired}, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes records and syncs the file before returning, so callers may
// persist progress that covers them.
func (l *Log) Append(records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	l.buf.Reset()
	for _, rec := range records {
		if err := json.Compact(&l.buf, rec); err != nil {
			return fmt.Errorf("compact record: %w", err)
		}
		l.buf.WriteByte('\n')
	}
	if _, err := l.file.Write(l.buf.Bytes()); err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync record log: %w", err)
	}
	return nil
}

// Close closes the log.
func (l *Log) Close() error {
	return l.file.Close()
}

// Exists reports whether a log file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes the log at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record log: %w", err)
	}
	return nil
}

// Scan calls fn for every complete line of the log at path and returns the
// number of records visited. A missing file yields zero records. A final line
// without a newline is ignored.
func Scan(path string, fn func(json.RawMessage) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open record log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 256*1024)
	n := 0
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read record log: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := fn(json.RawMessage(line)); err != nil {
			return n, err
		}
		n++
	}
}

// repairTail truncates path after its last newline. Returns bytes removed.
func repairTail(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open record log for repair: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat record log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, fmt.Errorf("read record log tail: %w", err)
	}
	if last[0] == '\n' {
		return 0, nil
	}

	keep := int64(0)
	buf := make([]byte, tailChunk)
	for end := size; end > 0; {
		start := end - tailChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read record log tail: %w", err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}

	if err := f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("truncate record log: %w", err)
	}
	return size - keep, nil
}
