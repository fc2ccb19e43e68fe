package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Queue is a handle on the shared queue directories. It carries no state
// beyond the paths; producers and consumers in separate processes open their
// own handles on the same volume.
type Queue struct {
	base       string
	pending    string
	processing string
	responses  string
}

// Open ensures the queue directories exist and returns a handle.
func Open(base string) (*Queue, error) {
	q := &Queue{
		base:       base,
		pending:    filepath.Join(base, PendingDir),
		processing: filepath.Join(base, ProcessingDir),
		responses:  filepath.Join(base, ResponseDir),
	}

	for _, dir := range []string{q.pending, q.processing, q.responses} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", dir, err)
		}
	}

	return q, nil
}

// Base returns the shared volume root.
func (q *Queue) Base() string {
	return q.base
}

func (q *Queue) pendingPath(id string) string    { return filepath.Join(q.pending, id+".json") }
func (q *Queue) processingPath(id string) string { return filepath.Join(q.processing, id+".json") }
func (q *Queue) responsePath(id string) string   { return filepath.Join(q.responses, id+".json") }

// writeAtomic writes data to a dotfile in the queue root, fsyncs it, and
// renames it into place. Readers therefore never observe a partial file.
func (q *Queue) writeAtomic(tmpName, finalPath string, data []byte) error {
	tmpPath := filepath.Join(q.base, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish %s: %w", finalPath, err)
	}

	return nil
}

// listPendingOldestFirst returns the ids of pending messages sorted by file
// modification time, oldest first. Ties break on name so the order is
// deterministic.
func (q *Queue) listPendingOldestFirst() ([]string, error) {
	entries, err := os.ReadDir(q.pending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending queue: %w", err)
	}

	type pendingFile struct {
		id    string
		mtime int64
	}

	var files []pendingFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Claimed by someone else between ReadDir and Info.
			continue
		}
		files = append(files, pendingFile{
			id:    strings.TrimSuffix(name, ".json"),
			mtime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime != files[j].mtime {
			return files[i].mtime < files[j].mtime
		}
		return files[i].id < files[j].id
	})

	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}
