//go:build integration

package changelog

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// These tests need a real PostgreSQL instance with the migrations applied:
//
//	DEEPHARBOR_TEST_DSN="host=localhost user=deepharbor dbname=deepharbor_test" \
//	  go test -tags integration ./pkg/changelog/
func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("DEEPHARBOR_TEST_DSN")
	if dsn == "" {
		t.Skip("DEEPHARBOR_TEST_DSN not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx := context.Background()
	for _, table := range []string{"member_changes_processing_log", "member_changes", "service_endpoints"} {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}

	return NewStore(pool)
}

func insertTestChange(t *testing.T, s *Store, changeType string, memberID int64) int64 {
	t.Helper()
	data := ChangeData{Change: changeType, MemberID: memberID}
	id, err := s.InsertChange(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertChange failed: %v", err)
	}
	return id
}

func TestFetchUnprocessedBatchOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertTestChange(t, s, "status", int64(i)))
	}

	batch, err := s.FetchUnprocessedBatch(ctx, 3, 0)
	if err != nil {
		t.Fatalf("FetchUnprocessedBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].ID <= batch[i-1].ID {
			t.Fatal("batch not in id order")
		}
	}

	// Pagination resumes after the last id, skipping nothing.
	rest, err := s.FetchUnprocessedBatch(ctx, 10, batch[2].ID)
	if err != nil {
		t.Fatalf("FetchUnprocessedBatch failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", len(rest))
	}
	if rest[0].ID != ids[3] {
		t.Errorf("pagination skipped rows: got %d, want %d", rest[0].ID, ids[3])
	}
}

func TestMarkProcessedIsTransactional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestChange(t, s, "status", 1)

	attempt := Attempt{
		MemberChangeID:  id,
		ServiceName:     "status",
		ServiceEndpoint: "http://localhost:8801/v1/change_status",
		ResponseCode:    200,
		ResponseMessage: SuccessMessage,
	}
	if err := s.MarkProcessed(ctx, id, attempt); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	count, err := s.CountUnprocessed(ctx)
	if err != nil {
		t.Fatalf("CountUnprocessed failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 unprocessed, got %d", count)
	}

	attempts, err := s.AttemptsFor(ctx, id)
	if err != nil {
		t.Fatalf("AttemptsFor failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].ResponseMessage != SuccessMessage {
		t.Errorf("unexpected attempts: %+v", attempts)
	}
}

func TestMarkProcessedMissingChange(t *testing.T) {
	s := openTestStore(t)

	err := s.MarkProcessed(context.Background(), 999999, Attempt{MemberChangeID: 999999})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRouteFor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Pool().Exec(ctx,
		`INSERT INTO service_endpoints (name, endpoint) VALUES ($1, $2)`,
		"status", "http://localhost:8801/v1/change_status")
	if err != nil {
		t.Fatalf("failed to seed route: %v", err)
	}

	route, err := s.RouteFor(ctx, "status")
	if err != nil {
		t.Fatalf("RouteFor failed: %v", err)
	}
	if route.Endpoint != "http://localhost:8801/v1/change_status" {
		t.Errorf("unexpected endpoint: %q", route.Endpoint)
	}

	_, err = s.RouteFor(ctx, "unknown_type")
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestListenerWakesOnInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn, err := s.Pool().Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN member_changes"); err != nil {
		t.Fatalf("LISTEN failed: %v", err)
	}

	insertTestChange(t, s, "status", 1)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.Conn().WaitForNotification(waitCtx); err != nil {
		t.Fatalf("no notification after insert: %v", err)
	}
}
