package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/metrics"
)

// Handler processes a claimed request and returns the reply data. A non-nil
// error produces a failure reply; the request is never silently dropped.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Consumer claims pending requests one at a time, oldest first, and writes
// correlated replies. Multiple consumers may share a queue; the rename claim
// guarantees each request is processed by exactly one of them.
type Consumer struct {
	queue        *Queue
	handler      Handler
	pollInterval time.Duration
}

// NewConsumer creates a consumer on an open queue.
func NewConsumer(queue *Queue, handler Handler, pollInterval time.Duration) *Consumer {
	return &Consumer{
		queue:        queue,
		handler:      handler,
		pollInterval: pollInterval,
	}
}

// Run processes requests until the context is cancelled. Errors on
// individual messages are logged and do not stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("consumer started", logger.KeyQueueDir, c.queue.Base())

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("consumer stopping")
			return err
		}

		processed, err := c.ProcessNext(ctx)
		if err != nil {
			logger.Error("failed to process message", logger.KeyError, err)
		}

		if !processed {
			select {
			case <-ctx.Done():
				logger.Info("consumer stopping")
				return ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
	}
}

// ProcessNext claims and handles the oldest pending request, if any.
// Returns false when the queue was empty or every candidate was claimed by
// another consumer first.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	ids, err := c.queue.listPendingOldestFirst()
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		claimed, err := c.claim(id)
		if err != nil {
			return false, err
		}
		if !claimed {
			// Lost the race for this one; try the next.
			continue
		}

		return true, c.processClaimed(ctx, id)
	}

	return false, nil
}

// claim moves a pending file to processing/. A FileNotFound on rename means
// another consumer got there first, which is not an error.
func (c *Consumer) claim(id string) (bool, error) {
	err := os.Rename(c.queue.pendingPath(id), c.queue.processingPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", id, err)
	}
	return true, nil
}

func (c *Consumer) processClaimed(ctx context.Context, id string) error {
	// The claimed file is removed whatever happens; the reply carries the
	// outcome. A crash before removal leaves the file for the stale sweep.
	defer func() {
		if err := os.Remove(c.queue.processingPath(id)); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove claimed file",
				logger.KeyMsgID, id,
				logger.KeyError, err)
		}
	}()

	req, err := c.readClaimed(id)
	if err != nil {
		return c.reply(id, Response{
			OriginalID: id,
			Status:     StatusFailure,
			Result:     err.Error(),
		})
	}

	logger.Info("processing message", logger.KeyMsgID, id)

	result, err := c.handler.Handle(ctx, req)
	if err != nil {
		logger.Error("handler failed",
			logger.KeyMsgID, id,
			logger.KeyError, err)
		return c.reply(id, Response{
			OriginalID: id,
			Status:     StatusFailure,
			Result:     err.Error(),
		})
	}

	data, err := json.Marshal(result)
	if err != nil {
		return c.reply(id, Response{
			OriginalID: id,
			Status:     StatusFailure,
			Result:     fmt.Sprintf("failed to marshal result: %v", err),
		})
	}

	return c.reply(id, Response{
		OriginalID: id,
		Status:     StatusSuccess,
		Result:     fmt.Sprintf("Processed '%s'", string(req.Payload)),
		Data:       data,
	})
}

func (c *Consumer) readClaimed(id string) (Request, error) {
	data, err := os.ReadFile(c.queue.processingPath(id))
	if err != nil {
		return Request{}, fmt.Errorf("failed to read claimed message %s: %w", id, err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("malformed message %s: %w", id, err)
	}
	if req.ID == "" {
		req.ID = id
	}

	return req, nil
}

func (c *Consumer) reply(id string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response %s: %w", id, err)
	}

	if err := c.queue.writeAtomic(".tmp_resp_"+id, c.queue.responsePath(id), data); err != nil {
		return err
	}

	metrics.BusMessages.WithLabelValues(resp.Status).Inc()
	logger.Debug("reply written", logger.KeyMsgID, id, "status", resp.Status)
	return nil
}
