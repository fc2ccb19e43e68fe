package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/bus"
)

// Handler executes bus operations against a directory.
type Handler struct {
	dir     Directory
	retries int
}

var _ bus.Handler = (*Handler)(nil)

// NewHandler creates a Handler. retries bounds how often a call against an
// unreachable directory is reattempted before the reply reports failure.
func NewHandler(dir Directory, retries int) *Handler {
	if retries < 1 {
		retries = 1
	}
	return &Handler{dir: dir, retries: retries}
}

// Handle dispatches one bus operation.
func (h *Handler) Handle(ctx context.Context, req bus.Request) (any, error) {
	var op Op
	if err := json.Unmarshal(req.Payload, &op); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	switch op.Operation {
	case OpSetEnabled:
		return h.handleSetEnabled(ctx, op)
	case OpSyncAuthorizations:
		return h.handleSync(ctx, op)
	case OpGetDateTime:
		return h.handleGetDateTime(ctx)
	default:
		return nil, fmt.Errorf("unknown operation: %s", op.Operation)
	}
}

func (h *Handler) handleSetEnabled(ctx context.Context, op Op) (any, error) {
	if op.Username == "" {
		return nil, fmt.Errorf("set_enabled requires a username")
	}
	if op.Enabled == nil {
		return nil, fmt.Errorf("set_enabled requires an enabled flag")
	}

	err := h.withRetry(ctx, func() error {
		return h.dir.SetEnabled(ctx, op.Username, *op.Enabled)
	})
	if err != nil {
		return nil, err
	}

	return EnabledResult{Username: op.Username, Enabled: *op.Enabled}, nil
}

// handleSync reconciles the user's group membership against the desired set:
// missing groups are added, groups not in the set are removed. An absent or
// empty set therefore strips every group.
func (h *Handler) handleSync(ctx context.Context, op Op) (any, error) {
	if op.Username == "" {
		return nil, fmt.Errorf("sync_authorizations requires a username")
	}

	var current []string
	err := h.withRetry(ctx, func() error {
		var err error
		current, err = h.dir.Groups(ctx, op.Username)
		return err
	})
	if err != nil {
		return nil, err
	}

	desired := make(map[string]bool, len(op.Groups))
	for _, g := range op.Groups {
		desired[g] = true
	}
	have := make(map[string]bool, len(current))
	for _, g := range current {
		have[g] = true
	}

	added := []string{}
	for g := range desired {
		if have[g] {
			continue
		}
		err := h.withRetry(ctx, func() error {
			return h.dir.AddToGroup(ctx, op.Username, g)
		})
		if err != nil {
			return nil, err
		}
		added = append(added, g)
	}

	removed := []string{}
	for g := range have {
		if desired[g] {
			continue
		}
		err := h.withRetry(ctx, func() error {
			return h.dir.RemoveFromGroup(ctx, op.Username, g)
		})
		if err != nil {
			return nil, err
		}
		removed = append(removed, g)
	}

	sort.Strings(added)
	sort.Strings(removed)

	logger.Info("authorizations reconciled",
		logger.KeyUsername, op.Username,
		"added", len(added),
		"removed", len(removed))

	return SyncResult{Username: op.Username, Added: added, Removed: removed}, nil
}

func (h *Handler) handleGetDateTime(ctx context.Context) (any, error) {
	var t time.Time
	err := h.withRetry(ctx, func() error {
		var err error
		t, err = h.dir.CurrentTime(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return TimeResult{CurrentTime: t.Format(time.RFC3339)}, nil
}

// withRetry reattempts calls when the directory is unreachable. Any other
// error is final.
func (h *Handler) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= h.retries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		logger.Warn("directory unreachable, retrying",
			logger.KeyAttempt, attempt,
			logger.KeyError, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
