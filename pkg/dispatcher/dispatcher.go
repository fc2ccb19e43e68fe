// Package dispatcher implements the change dispatcher: the process that
// watches the member change log and delivers each change to the effector
// service responsible for its type.
//
// The dispatcher is deliberately dumb. It routes notifications; it never
// interprets change payloads. Effectors read whatever additional member
// state they need themselves, so the dispatcher stays correct as change
// types evolve.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/changelog"
	"github.com/pumpingstationone/deepharbor/pkg/config"
	"github.com/pumpingstationone/deepharbor/pkg/effector"
	"github.com/pumpingstationone/deepharbor/pkg/metrics"
)

// maxResponseBody bounds how much of an effector error response is kept for
// the processing log.
const maxResponseBody = 4096

// Store is the change log surface the dispatcher needs. Satisfied by
// changelog.Store.
type Store interface {
	FetchUnprocessedBatch(ctx context.Context, batchSize int, afterID int64) ([]changelog.Change, error)
	CountUnprocessed(ctx context.Context) (int64, error)
	MarkProcessed(ctx context.Context, changeID int64, attempt changelog.Attempt) error
	AppendAttempt(ctx context.Context, attempt changelog.Attempt) error
	RouteFor(ctx context.Context, changeType string) (changelog.Route, error)
}

// notifier is the subscription surface of changelog.Listener.
type notifier interface {
	Wait(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dispatcher delivers unprocessed change rows to effector services.
type Dispatcher struct {
	store  Store
	cfg    config.DispatcherConfig
	dbCfg  config.DatabaseConfig
	client *http.Client

	// listen opens the notification subscription. Replaceable in tests.
	listen func(ctx context.Context, dbCfg config.DatabaseConfig, channel string) (notifier, error)
}

// New creates a dispatcher. The database config is kept so the notification
// listener can be rebuilt after connection failures.
func New(store Store, dbCfg config.DatabaseConfig, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store: store,
		cfg:   cfg,
		dbCfg: dbCfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		listen: func(ctx context.Context, dbCfg config.DatabaseConfig, channel string) (notifier, error) {
			l, err := changelog.Listen(ctx, dbCfg, channel)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	}
}

// Run executes the dispatcher loop until the context is cancelled: a resume
// pass over rows that accumulated while down, then LISTEN with a bounded
// wait. The wait timeout doubles as a safety net for lost notifications.
// Database failures trigger reconnection with exponential backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	backoff := d.cfg.InitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := d.listenAndDispatch(ctx, func() {
			// Subscribed again; a later failure starts the backoff over.
			backoff = d.cfg.InitialBackoff
		})
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		logger.Error("listener error", logger.KeyError, err)
		metrics.Reconnects.Inc()

		logger.Info("reconnecting", "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(d.cfg.MaxBackoff, backoff*2)
	}
}

// listenAndDispatch runs one connection's lifetime: resume, subscribe, wait.
// Returns nil only on context cancellation.
func (d *Dispatcher) listenAndDispatch(ctx context.Context, subscribed func()) error {
	if _, err := d.Resume(ctx); err != nil {
		return err
	}

	listener, err := d.listen(ctx, d.dbCfg, d.cfg.WatchChannel)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = listener.Close(closeCtx)
	}()

	subscribed()

	return d.watch(ctx, listener)
}

// watch blocks on the notification channel and drains the table whenever a
// wake signal arrives or the wait interval elapses.
func (d *Dispatcher) watch(ctx context.Context, listener notifier) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.PollInterval)
		_, err := listener.Wait(waitCtx)
		cancel()

		switch {
		case errors.Is(err, changelog.ErrWaitTimeout):
			if ctx.Err() != nil {
				return nil
			}
			// No wake signal in a full interval. Check the table anyway in
			// case a notification was lost.
			count, err := d.store.CountUnprocessed(ctx)
			if err != nil {
				return err
			}
			metrics.UnprocessedRows.Set(float64(count))
			if count > 0 {
				logger.Info("timeout check found unprocessed rows", "count", count)
				if err := d.DrainAll(ctx); err != nil {
					return err
				}
			}

		case err != nil:
			return err

		default:
			// Inserts that landed during the previous drain each queued a
			// notification of their own. Swallow everything buffered before
			// draining so a burst costs one extra pass over the table, not
			// one per insert. The payloads are ignored either way; the table
			// is drained in id order.
			if err := d.discardPending(ctx, listener); err != nil {
				return err
			}
			if err := d.DrainAll(ctx); err != nil {
				return err
			}
		}
	}
}

// discardPending consumes notifications already buffered on the connection.
func (d *Dispatcher) discardPending(ctx context.Context, listener notifier) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
		_, err := listener.Wait(waitCtx)
		cancel()

		if errors.Is(err, changelog.ErrWaitTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Resume processes every unprocessed row, batch by batch. Returns how many
// rows were dispatched successfully.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	total, err := d.store.CountUnprocessed(ctx)
	if err != nil {
		return 0, err
	}
	metrics.UnprocessedRows.Set(float64(total))

	if total == 0 {
		logger.Info("no unprocessed rows found")
		return 0, nil
	}

	logger.Info("resuming", "unprocessed", total)
	processed, err := d.drain(ctx)
	if err != nil {
		return processed, err
	}

	logger.Info("resume complete", "processed", processed)
	return processed, nil
}

// DrainAll processes all currently unprocessed rows in id order.
func (d *Dispatcher) DrainAll(ctx context.Context) error {
	_, err := d.drain(ctx)
	return err
}

// drain paginates through unprocessed rows by id. A failed row stays
// unprocessed but never blocks the rows behind it; pagination restarts from
// the row's id, not from zero.
func (d *Dispatcher) drain(ctx context.Context) (int, error) {
	var (
		processed int
		lastID    int64

		// With strict ordering on, a member's later changes are held back
		// for the rest of this pass once one of their changes fails.
		failedMembers map[int64]bool
	)
	if d.cfg.StrictMemberOrder {
		failedMembers = make(map[int64]bool)
	}

	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		rows, err := d.store.FetchUnprocessedBatch(ctx, d.cfg.BatchSize, lastID)
		if err != nil {
			return processed, err
		}
		if len(rows) == 0 {
			return processed, nil
		}

		logger.Info("fetched batch",
			logger.KeyBatchSize, len(rows),
			"after_id", lastID)

		for _, row := range rows {
			if failedMembers != nil && failedMembers[row.Data.MemberID] {
				logger.Info("holding change behind earlier failure",
					logger.KeyChangeID, row.ID,
					logger.KeyMemberID, row.Data.MemberID)
				continue
			}

			if d.processChange(ctx, row) {
				processed++
			} else if failedMembers != nil {
				failedMembers[row.Data.MemberID] = true
			}
		}

		lastID = rows[len(rows)-1].ID
		if len(rows) < d.cfg.BatchSize {
			return processed, nil
		}
	}
}

// processChange delivers one change row. Only an HTTP 200 from the effector
// counts as processed; every other outcome leaves the row unprocessed and
// appends to the processing log.
func (d *Dispatcher) processChange(ctx context.Context, row changelog.Change) bool {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	changeType := row.Data.Change

	logger.Info("processing change",
		logger.KeyChangeID, row.ID,
		logger.KeyChangeType, changeType,
		logger.KeyMemberID, row.Data.MemberID)

	route, err := d.store.RouteFor(ctx, changeType)
	if errors.Is(err, changelog.ErrNoRoute) {
		// Possibly a new change type whose effector is not configured yet.
		// The row stays unprocessed and will be retried once a route exists.
		logger.Error("no service found for change type",
			logger.KeyChangeType, changeType,
			logger.KeyChangeID, row.ID)
		d.recordAttempt(ctx, changelog.Attempt{
			MemberChangeID:  row.ID,
			ServiceName:     changeType,
			ResponseCode:    changelog.CodeUnroutable,
			ResponseMessage: fmt.Sprintf("no service endpoint configured for change type %q", changeType),
		})
		return false
	}
	if err != nil {
		logger.Error("route lookup failed",
			logger.KeyChangeID, row.ID,
			logger.KeyError, err)
		return false
	}

	logger.Info("invoking service",
		logger.KeyService, route.Name,
		logger.KeyEndpoint, route.Endpoint,
		logger.KeyChangeType, changeType)

	code, body, err := d.post(ctx, route.Endpoint, effector.ChangeRequest{
		MemberID:   row.Data.MemberID,
		ChangeType: changeType,
		ChangeData: row.Data.Detail(),
	})
	if err != nil {
		logger.Error("failed to reach service",
			logger.KeyChangeID, row.ID,
			logger.KeyEndpoint, route.Endpoint,
			logger.KeyError, err)
		d.recordAttempt(ctx, changelog.Attempt{
			MemberChangeID:  row.ID,
			ServiceName:     route.Name,
			ServiceEndpoint: route.Endpoint,
			ResponseCode:    0,
			ResponseMessage: err.Error(),
		})
		metrics.Attempts.WithLabelValues(route.Name, "unreachable").Inc()
		return false
	}

	metrics.Attempts.WithLabelValues(route.Name, strconv.Itoa(code)).Inc()

	if code != http.StatusOK {
		logger.Error("failed to process change",
			logger.KeyChangeID, row.ID,
			logger.KeyResponseCode, code,
			"response", body)
		d.recordAttempt(ctx, changelog.Attempt{
			MemberChangeID:  row.ID,
			ServiceName:     route.Name,
			ServiceEndpoint: route.Endpoint,
			ResponseCode:    code,
			ResponseMessage: body,
		})
		return false
	}

	err = d.store.MarkProcessed(ctx, row.ID, changelog.Attempt{
		MemberChangeID:  row.ID,
		ServiceName:     route.Name,
		ServiceEndpoint: route.Endpoint,
		ResponseCode:    code,
		ResponseMessage: changelog.SuccessMessage,
	})
	if err != nil {
		// The effector did the work but the row could not be marked. The
		// change will be redelivered; effectors are idempotent by design.
		logger.Error("failed to mark change processed",
			logger.KeyChangeID, row.ID,
			logger.KeyError, err)
		return false
	}

	logger.Info("successfully processed change", logger.KeyChangeID, row.ID)
	metrics.ChangesProcessed.Inc()
	return true
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, payload effector.ChangeRequest) (int, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal change payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, string(body), nil
}

// recordAttempt appends to the processing log, logging rather than failing
// when the insert itself errors: the attempt log is diagnostics, not state.
func (d *Dispatcher) recordAttempt(ctx context.Context, attempt changelog.Attempt) {
	if err := d.store.AppendAttempt(ctx, attempt); err != nil {
		logger.Error("failed to record processing attempt",
			logger.KeyChangeID, attempt.MemberChangeID,
			logger.KeyError, err)
	}
}
