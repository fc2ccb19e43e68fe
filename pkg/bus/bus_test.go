package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	return q
}

func testProducer(q *Queue) *Producer {
	return NewProducer(q, 5*time.Millisecond, 500*time.Millisecond)
}

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req Request) (any, error) {
	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, err
	}
	payload["original_id"] = req.ID
	return payload, nil
}

func TestSendWritesPendingEnvelope(t *testing.T) {
	q := openTestQueue(t)
	p := testProducer(q)

	id, err := p.Send(map[string]string{"operation": "add", "tag_id": "ABC123"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	data, err := os.ReadFile(q.pendingPath(id))
	if err != nil {
		t.Fatalf("pending file missing: %v", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("pending file is not valid JSON: %v", err)
	}
	if req.ID != id {
		t.Errorf("envelope id %q does not match filename id %q", req.ID, id)
	}
	if req.Timestamp.IsZero() {
		t.Error("envelope timestamp is zero")
	}

	var payload map[string]string
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload["operation"] != "add" {
		t.Errorf("expected operation add, got %q", payload["operation"])
	}

	// No stranded temp files in the queue root.
	entries, _ := os.ReadDir(q.Base())
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("unexpected file in queue root: %s", e.Name())
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	q := openTestQueue(t)
	p := testProducer(q)
	c := NewConsumer(q, echoHandler{}, 5*time.Millisecond)

	id, err := p.Send(map[string]string{"operation": "remove", "tag_id": "XYZ"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	processed, err := c.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if !processed {
		t.Fatal("expected a message to be processed")
	}

	resp, err := p.Await(context.Background(), id)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	if resp.OriginalID != id {
		t.Errorf("response correlated to %q, want %q", resp.OriginalID, id)
	}
	if !resp.OK() {
		t.Errorf("expected success, got status %q (%s)", resp.Status, resp.Result)
	}

	var data map[string]any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("response data is not valid JSON: %v", err)
	}
	if data["tag_id"] != "XYZ" {
		t.Errorf("expected handler output in response data, got %v", data)
	}

	// The response file is consumed on read.
	if _, err := os.Stat(q.responsePath(id)); !os.IsNotExist(err) {
		t.Error("response file still present after Await")
	}
	// The claimed file is cleaned up.
	if _, err := os.Stat(q.processingPath(id)); !os.IsNotExist(err) {
		t.Error("processing file still present after handling")
	}
}

func TestFIFOOrder(t *testing.T) {
	q := openTestQueue(t)
	p := testProducer(q)

	var ids []string
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		id, err := p.Send(map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		// Force distinct, ordered mtimes; sub-millisecond sends may land in
		// the same timestamp granule otherwise.
		mtime := base.Add(time.Duration(i) * time.Second)
		if err := os.Chtimes(q.pendingPath(id), mtime, mtime); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
		ids = append(ids, id)
	}

	var order []int
	handler := HandlerFunc(func(_ context.Context, req Request) (any, error) {
		var payload map[string]int
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, err
		}
		order = append(order, payload["seq"])
		return payload, nil
	})
	c := NewConsumer(q, handler, 5*time.Millisecond)

	for range ids {
		processed, err := c.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext failed: %v", err)
		}
		if !processed {
			t.Fatal("expected a message to be processed")
		}
	}

	for i, seq := range order {
		if seq != i {
			t.Fatalf("messages processed out of order: %v", order)
		}
	}
}

func TestClaimIsExclusive(t *testing.T) {
	q := openTestQueue(t)
	p := testProducer(q)

	id, err := p.Send(map[string]string{"operation": "add"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var handled int
	handler := HandlerFunc(func(_ context.Context, _ Request) (any, error) {
		handled++
		return map[string]string{}, nil
	})

	c1 := NewConsumer(q, handler, 5*time.Millisecond)
	c2 := NewConsumer(q, handler, 5*time.Millisecond)

	// First consumer claims the message out from under the second.
	claimed, err := c1.claim(id)
	if err != nil || !claimed {
		t.Fatalf("first claim failed: claimed=%v err=%v", claimed, err)
	}

	processed, err := c2.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if processed {
		t.Error("second consumer processed an already-claimed message")
	}

	if err := c1.processClaimed(context.Background(), id); err != nil {
		t.Fatalf("processClaimed failed: %v", err)
	}
	if handled != 1 {
		t.Errorf("message handled %d times, want 1", handled)
	}
}

func TestHandlerErrorProducesFailureReply(t *testing.T) {
	q := openTestQueue(t)
	p := testProducer(q)

	handler := HandlerFunc(func(_ context.Context, _ Request) (any, error) {
		return nil, fmt.Errorf("board unreachable")
	})
	c := NewConsumer(q, handler, 5*time.Millisecond)

	id, err := p.Send(map[string]string{"operation": "add"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	resp, err := p.Await(context.Background(), id)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resp.OK() {
		t.Error("expected failure reply")
	}
	if resp.Result != "board unreachable" {
		t.Errorf("expected handler error in result, got %q", resp.Result)
	}
}

func TestMalformedMessageProducesFailureReply(t *testing.T) {
	q := openTestQueue(t)
	p := testProducer(q)
	c := NewConsumer(q, echoHandler{}, 5*time.Millisecond)

	id := "not-json"
	if err := os.WriteFile(q.pendingPath(id), []byte("{{{{"), 0644); err != nil {
		t.Fatalf("failed to plant malformed message: %v", err)
	}

	processed, err := c.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if !processed {
		t.Fatal("expected the malformed message to be consumed")
	}

	resp, err := p.Await(context.Background(), id)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resp.OK() {
		t.Error("expected failure reply for malformed message")
	}
}

func TestAwaitTimeout(t *testing.T) {
	q := openTestQueue(t)
	p := NewProducer(q, 5*time.Millisecond, 30*time.Millisecond)

	id, err := p.Send(map[string]string{"operation": "add"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_, err = p.Await(context.Background(), id)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}

	// The pending file is untouched; a late consumer can still process it.
	if _, err := os.Stat(q.pendingPath(id)); err != nil {
		t.Errorf("pending file missing after timeout: %v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	q := openTestQueue(t)

	stale := q.processingPath("stale-msg")
	fresh := q.processingPath("fresh-msg")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte(`{"id":"x","payload":{}}`), 0644); err != nil {
			t.Fatalf("failed to plant processing file: %v", err)
		}
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	requeued, err := q.RecoverStale(5 * time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}

	if len(requeued) != 1 || requeued[0] != "stale-msg" {
		t.Fatalf("expected [stale-msg] requeued, got %v", requeued)
	}
	if _, err := os.Stat(q.pendingPath("stale-msg")); err != nil {
		t.Errorf("stale message not back in pending: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh message should stay in processing: %v", err)
	}
}

func TestSweepTemp(t *testing.T) {
	q := openTestQueue(t)

	// Scratch names as the producer and consumer write them.
	old := time.Now().Add(-time.Hour)
	stranded := []string{
		filepath.Join(q.Base(), ".tmp_dead"),
		filepath.Join(q.Base(), ".tmp_resp_dead"),
	}
	for _, path := range stranded {
		if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
			t.Fatalf("failed to plant temp file: %v", err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
	}

	if err := q.SweepTemp(5 * time.Minute); err != nil {
		t.Fatalf("SweepTemp failed: %v", err)
	}
	for _, path := range stranded {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("stranded temp file %s not removed", filepath.Base(path))
		}
	}
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	q := openTestQueue(t)
	c := NewConsumer(q, echoHandler{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
