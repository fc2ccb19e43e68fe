package changelog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/config"
)

// ErrWaitTimeout is returned by Listener.Wait when no notification arrived
// within the wait window. Callers treat it as a cue to sweep for unprocessed
// rows, not as a failure.
var ErrWaitTimeout = errors.New("notification wait timed out")

// Listener holds a dedicated connection subscribed to a NOTIFY channel. The
// pool cannot be used for LISTEN because notifications are tied to one
// session.
type Listener struct {
	conn    *pgx.Conn
	channel string
}

// Listen opens a dedicated connection and subscribes to the channel.
func Listen(ctx context.Context, cfg config.DatabaseConfig, channel string) (*Listener, error) {
	conn, err := pgx.Connect(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	// The channel name comes from config, not user input. Identifiers cannot
	// be bound as parameters.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to LISTEN on %q: %w", channel, err)
	}

	logger.Info("listening for change notifications", "channel", channel, "pid", os.Getpid())

	return &Listener{conn: conn, channel: channel}, nil
}

// Wait blocks until a notification arrives or the context expires. A context
// deadline or cancellation surfaces as ErrWaitTimeout; any other error means
// the connection is unusable and the listener must be rebuilt.
func (l *Listener) Wait(ctx context.Context) (*pgconn.Notification, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrWaitTimeout
		}
		return nil, fmt.Errorf("notification wait failed: %w", err)
	}
	return n, nil
}

// Close tears down the dedicated connection.
func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
