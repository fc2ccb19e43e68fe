package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pumpingstationone/deepharbor/internal/logger"
)

// RecoverStale moves files under processing/ older than staleAfter back to
// pending/. A file can only linger there when a consumer died between claim
// and cleanup, so requeueing cannot double-process a message that was
// answered. Returns the ids requeued.
func (q *Queue) RecoverStale(staleAfter time.Duration) ([]string, error) {
	entries, err := os.ReadDir(q.processing)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing dir: %w", err)
	}

	cutoff := time.Now().Add(-staleAfter)

	var requeued []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		id := strings.TrimSuffix(name, ".json")
		if err := os.Rename(q.processingPath(id), q.pendingPath(id)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return requeued, fmt.Errorf("failed to requeue %s: %w", id, err)
		}

		logger.Warn("requeued stale message",
			logger.KeyMsgID, id,
			"age", time.Since(info.ModTime()).Round(time.Second).String())
		requeued = append(requeued, id)
	}

	return requeued, nil
}

// SweepTemp removes leftover dotfiles in the queue root. A crash between
// write and rename can strand them; they are invisible to the queue proper
// but accumulate on disk.
func (q *Queue) SweepTemp(staleAfter time.Duration) error {
	entries, err := os.ReadDir(q.base)
	if err != nil {
		return fmt.Errorf("failed to list queue root: %w", err)
	}

	cutoff := time.Now().Add(-staleAfter)

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".tmp_") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(q.base, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove stranded temp file",
				"path", path,
				logger.KeyError, err)
		}
	}

	return nil
}
