package rfid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/bus"
)

// Handler executes bus operations against a controller board.
type Handler struct {
	board   Board
	retries int
}

var _ bus.Handler = (*Handler)(nil)

// NewHandler creates a Handler. retries bounds how often a timed-out device
// call is reattempted before the reply reports failure.
func NewHandler(board Board, retries int) *Handler {
	if retries < 1 {
		retries = 1
	}
	return &Handler{board: board, retries: retries}
}

// Handle dispatches one bus operation.
func (h *Handler) Handle(ctx context.Context, req bus.Request) (any, error) {
	var op Op
	if err := json.Unmarshal(req.Payload, &op); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	switch op.Operation {
	case OpAdd, OpRemove:
		return h.handleCard(ctx, op)
	case OpSetDateTime:
		return h.handleSetDateTime(ctx)
	case OpGetDateTime:
		return h.handleGetDateTime(ctx)
	default:
		return nil, fmt.Errorf("unknown operation: %s", op.Operation)
	}
}

func (h *Handler) handleCard(ctx context.Context, op Op) (any, error) {
	card, err := strconv.ParseUint(op.ConvertedTag, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("converted tag %q is not a card number: %w", op.ConvertedTag, err)
	}

	logger.Info("card operation",
		logger.KeyOperation, op.Operation,
		logger.KeyTag, op.TagID,
		logger.KeyConvertedTag, op.ConvertedTag,
		logger.KeyMemberID, op.MemberID)

	switch op.Operation {
	case OpAdd:
		start := time.Now()
		end := start.AddDate(CardAccessYears, 0, 0)
		err = h.withRetry(ctx, func() error {
			return h.board.PutCard(ctx, uint32(card), start, end)
		})
	case OpRemove:
		err = h.withRetry(ctx, func() error {
			return h.board.DeleteCard(ctx, uint32(card))
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%s card %s: %w", op.Operation, op.ConvertedTag, err)
	}

	return CardResult{
		Operation:    op.Operation,
		TagID:        op.TagID,
		ConvertedTag: op.ConvertedTag,
		Status:       bus.StatusSuccess,
	}, nil
}

func (h *Handler) handleSetDateTime(ctx context.Context) (any, error) {
	now := time.Now()
	logger.Info("setting controller clock", "time", now.Format(time.DateTime))

	var acked time.Time
	err := h.withRetry(ctx, func() error {
		var err error
		acked, err = h.board.SetTime(ctx, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("set controller clock: %w", err)
	}

	return TimeResult{
		Status:  bus.StatusSuccess,
		Message: fmt.Sprintf("Date and time set to %s", acked.Format(time.DateTime)),
	}, nil
}

func (h *Handler) handleGetDateTime(ctx context.Context) (any, error) {
	var current time.Time
	err := h.withRetry(ctx, func() error {
		var err error
		current, err = h.board.GetTime(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read controller clock: %w", err)
	}

	return TimeResult{
		Status:      bus.StatusSuccess,
		CurrentTime: current.Format(time.DateTime),
	}, nil
}

// withRetry reattempts device timeouts. Any other error is final.
func (h *Handler) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= h.retries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrDeviceTimeout) {
			return err
		}
		logger.Warn("device timed out, retrying",
			logger.KeyAttempt, attempt,
			logger.KeyError, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
