package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pumpingstationone/deepharbor/internal/logger"
)

// ErrReplyTimeout is returned by Await when no reply arrived in time. The
// request may still be processed later; the caller decides whether that
// matters.
var ErrReplyTimeout = errors.New("timed out waiting for reply")

// Producer publishes requests and collects correlated replies.
type Producer struct {
	queue        *Queue
	pollInterval time.Duration
	replyTimeout time.Duration
}

// NewProducer creates a producer on an open queue.
func NewProducer(queue *Queue, pollInterval, replyTimeout time.Duration) *Producer {
	return &Producer{
		queue:        queue,
		pollInterval: pollInterval,
		replyTimeout: replyTimeout,
	}
}

// Send publishes a request and returns its id. The payload is marshaled into
// the request envelope; the file appears in pending/ atomically.
func (p *Producer) Send(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req := Request{
		ID:        uuid.NewString(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := p.queue.writeAtomic(".tmp_"+req.ID, p.queue.pendingPath(req.ID), data); err != nil {
		return "", err
	}

	logger.Debug("published request", logger.KeyMsgID, req.ID)
	return req.ID, nil
}

// Await polls for the reply to a request id, deleting the response file once
// read. Returns ErrReplyTimeout when the reply window closes first.
func (p *Producer) Await(ctx context.Context, id string) (Response, error) {
	deadline := time.NewTimer(p.replyTimeout)
	defer deadline.Stop()

	tick := time.NewTicker(p.pollInterval)
	defer tick.Stop()

	for {
		resp, found, err := p.tryCollect(id)
		if err != nil {
			return Response{}, err
		}
		if found {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-deadline.C:
			return Response{}, fmt.Errorf("request %s: %w", id, ErrReplyTimeout)
		case <-tick.C:
		}
	}
}

// Call is Send followed by Await.
func (p *Producer) Call(ctx context.Context, payload any) (Response, error) {
	id, err := p.Send(payload)
	if err != nil {
		return Response{}, err
	}
	return p.Await(ctx, id)
}

func (p *Producer) tryCollect(id string) (Response, bool, error) {
	path := p.queue.responsePath(id)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("failed to read response %s: %w", id, err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false, fmt.Errorf("malformed response %s: %w", id, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove collected response",
			logger.KeyMsgID, id,
			logger.KeyError, err)
	}

	return resp, true, nil
}
