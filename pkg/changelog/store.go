package changelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/config"
)

// Store reads and updates the change log over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a Store backed by a new connection pool.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Debug("connected to database",
		"host", cfg.Host,
		"database", cfg.Name)

	return &Store{pool: pool}, nil
}

// NewStore wraps an existing pool. The caller retains ownership of the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for components that share the connection,
// such as the member reader.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// FetchUnprocessedBatch returns up to batchSize unprocessed rows with
// id > afterID, in id order. Paginating on id rather than offset keeps a
// failed row from being refetched within the same pass.
func (s *Store) FetchUnprocessedBatch(ctx context.Context, batchSize int, afterID int64) ([]Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data, processed, created_at
		FROM member_changes
		WHERE processed = FALSE
		AND id > $1
		ORDER BY id
		LIMIT $2`,
		afterID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed batch: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.Data, &c.Processed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}

	return changes, nil
}

// CountUnprocessed returns the number of unprocessed rows.
func (s *Store) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM member_changes WHERE processed = FALSE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed rows: %w", err)
	}
	return count, nil
}

// MarkProcessed flips the processed flag and records the successful attempt
// in one transaction, so a crash between the two cannot leave a processed row
// without its log entry.
func (s *Store) MarkProcessed(ctx context.Context, changeID int64, attempt Attempt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE member_changes SET processed = TRUE WHERE id = $1`, changeID)
	if err != nil {
		return fmt.Errorf("failed to mark change %d processed: %w", changeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change %d: %w", changeID, ErrNotFound)
	}

	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// AppendAttempt records a failed delivery attempt. The change row stays
// unprocessed.
func (s *Store) AppendAttempt(ctx context.Context, attempt Attempt) error {
	return insertAttempt(ctx, s.pool, attempt)
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAttempt(ctx context.Context, db execer, attempt Attempt) error {
	_, err := db.Exec(ctx, `
		INSERT INTO member_changes_processing_log
			(member_change_id, service_name, service_endpoint, response_code, response_message)
		VALUES ($1, $2, $3, $4, $5)`,
		attempt.MemberChangeID,
		attempt.ServiceName,
		attempt.ServiceEndpoint,
		attempt.ResponseCode,
		attempt.ResponseMessage)
	if err != nil {
		return fmt.Errorf("failed to record attempt for change %d: %w", attempt.MemberChangeID, err)
	}
	return nil
}

// AttemptsFor returns the delivery attempts recorded for a change, oldest
// first.
func (s *Store) AttemptsFor(ctx context.Context, changeID int64) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, member_change_id, service_name, service_endpoint,
		       response_code, response_message, created_at
		FROM member_changes_processing_log
		WHERE member_change_id = $1
		ORDER BY id`,
		changeID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.MemberChangeID, &a.ServiceName,
			&a.ServiceEndpoint, &a.ResponseCode, &a.ResponseMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RouteFor looks up the effector endpoint for a change type. The lookup is
// per change so route changes take effect without a dispatcher restart.
func (s *Store) RouteFor(ctx context.Context, changeType string) (Route, error) {
	var r Route
	err := s.pool.QueryRow(ctx,
		`SELECT name, endpoint FROM service_endpoints WHERE name = $1`,
		changeType).Scan(&r.Name, &r.Endpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return Route{}, fmt.Errorf("change type %q: %w", changeType, ErrNoRoute)
	}
	if err != nil {
		return Route{}, fmt.Errorf("failed to look up route for %q: %w", changeType, err)
	}
	return r, nil
}

// InsertChange appends a new change row and returns its id. The insert fires
// the notify trigger, so a listening dispatcher wakes immediately.
func (s *Store) InsertChange(ctx context.Context, data ChangeData) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO member_changes (data) VALUES ($1) RETURNING id`,
		data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert change: %w", err)
	}
	return id, nil
}
