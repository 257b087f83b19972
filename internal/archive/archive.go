// Package archive dumps the task list to a file and loads it back.
//
// Records use the same key/value form as replication messages. Loading
// is destructive in the same way an import is: the file is parsed and
// validated first, then the store is cleared and every record is put
// verbatim with its id.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hubenchang0515/todo/internal/task"
)

// Format is an archive file format.
type Format string

const (
	// FormatJSONL writes one JSON object per line.
	FormatJSONL Format = "jsonl"
	// FormatYAML writes a single YAML sequence.
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("cannot tell archive format of %q (use .jsonl or .yaml)", path)
}

// Source is what Write reads from.
type Source interface {
	Each(ctx context.Context, batch int, fn func(task.Task) error) error
}

// Sink is what Load writes into.
type Sink interface {
	Clear(ctx context.Context) error
	Put(ctx context.Context, t task.Task) error
}

const batchSize = 200

// Write encodes every task of src to w and returns how many were written.
func Write(ctx context.Context, w io.Writer, format Format, src Source) (int, error) {
	switch format {
	case FormatJSONL:
		bw := bufio.NewWriter(w)
		enc := json.NewEncoder(bw)
		n := 0
		err := src.Each(ctx, batchSize, func(t task.Task) error {
			if err := enc.Encode(task.ToWire(t)); err != nil {
				return fmt.Errorf("failed to encode task %d: %w", t.ID, err)
			}
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
		return n, bw.Flush()

	case FormatYAML:
		var records []task.Wire
		err := src.Each(ctx, batchSize, func(t task.Task) error {
			records = append(records, task.ToWire(t))
			return nil
		})
		if err != nil {
			return 0, err
		}
		if records == nil {
			records = []task.Wire{}
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return 0, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return len(records), enc.Close()
	}
	return 0, fmt.Errorf("unknown archive format %q", format)
}

// Read decodes and validates every record in r.
func Read(r io.Reader, format Format) ([]task.Task, error) {
	var records []task.Wire

	switch format {
	case FormatJSONL:
		dec := json.NewDecoder(r)
		for line := 1; ; line++ {
			var w task.Wire
			if err := dec.Decode(&w); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
			}
			records = append(records, w)
		}

	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&records); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}

	tasks := make([]task.Task, 0, len(records))
	seen := make(map[int64]struct{}, len(records))
	for i, w := range records {
		t, err := w.Task()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("record %d: duplicate id %d", i+1, t.ID)
		}
		seen[t.ID] = struct{}{}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Load replaces the contents of sink with tasks.
func Load(ctx context.Context, sink Sink, tasks []task.Task) error {
	if err := sink.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	for _, t := range tasks {
		if err := sink.Put(ctx, t); err != nil {
			return fmt.Errorf("failed to store task %d: %w", t.ID, err)
		}
	}
	return nil
}

// Export writes src to path, replacing the file atomically.
func Export(ctx context.Context, path string, src Source) (int, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Write(ctx, f, format, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// Import replaces the contents of sink with the archive at path. The
// store is left untouched when the file does not parse.
func Import(ctx context.Context, path string, sink Sink) (int, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return 0, err
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	tasks, err := Read(f, format)
	if err != nil {
		return 0, err
	}
	if err := Load(ctx, sink, tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}
