package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/pumpingstationone/deepharbor/pkg/bus"
)

type fakeDirectory struct {
	enabled map[string]bool
	groups  map[string][]string
	missing bool

	// outages fails the next n calls as unreachable; calls counts attempts.
	outages int
	calls   int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		enabled: map[string]bool{},
		groups:  map[string][]string{},
	}
}

func (f *fakeDirectory) SetEnabled(_ context.Context, username string, enabled bool) error {
	f.calls++
	if f.outages > 0 {
		f.outages--
		return fmt.Errorf("failed to dial directory: %w", ErrUnavailable)
	}
	if f.missing {
		return fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	f.enabled[username] = enabled
	return nil
}

func (f *fakeDirectory) Groups(_ context.Context, username string) ([]string, error) {
	if f.missing {
		return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	return f.groups[username], nil
}

func (f *fakeDirectory) AddToGroup(_ context.Context, username, group string) error {
	f.groups[username] = append(f.groups[username], group)
	return nil
}

func (f *fakeDirectory) RemoveFromGroup(_ context.Context, username, group string) error {
	var kept []string
	for _, g := range f.groups[username] {
		if g != group {
			kept = append(kept, g)
		}
	}
	f.groups[username] = kept
	return nil
}

func (f *fakeDirectory) CurrentTime(_ context.Context) (time.Time, error) {
	return time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC), nil
}

func request(t *testing.T, op Op) bus.Request {
	t.Helper()
	payload, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("failed to marshal op: %v", err)
	}
	return bus.Request{ID: "test-msg", Payload: payload, Timestamp: time.Now()}
}

func boolPtr(b bool) *bool { return &b }

func TestHandleSetEnabled(t *testing.T) {
	dir := newFakeDirectory()
	h := NewHandler(dir, 3)

	result, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSetEnabled,
		Username:  "jdoe",
		Enabled:   boolPtr(false),
	}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if enabled, ok := dir.enabled["jdoe"]; !ok || enabled {
		t.Errorf("expected jdoe disabled, got enabled=%v present=%v", enabled, ok)
	}
	if r := result.(EnabledResult); r.Enabled {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestHandleSyncAuthorizations(t *testing.T) {
	dir := newFakeDirectory()
	dir.groups["jdoe"] = []string{"woodshop", "laser"}
	h := NewHandler(dir, 3)

	result, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSyncAuthorizations,
		Username:  "jdoe",
		Groups:    []string{"laser", "cnc"},
	}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	sync := result.(SyncResult)
	if !reflect.DeepEqual(sync.Added, []string{"cnc"}) {
		t.Errorf("expected added [cnc], got %v", sync.Added)
	}
	if !reflect.DeepEqual(sync.Removed, []string{"woodshop"}) {
		t.Errorf("expected removed [woodshop], got %v", sync.Removed)
	}

	got := map[string]bool{}
	for _, g := range dir.groups["jdoe"] {
		got[g] = true
	}
	if !got["laser"] || !got["cnc"] || got["woodshop"] {
		t.Errorf("unexpected final membership: %v", dir.groups["jdoe"])
	}
}

func TestHandleSyncEmptySetStripsAllGroups(t *testing.T) {
	dir := newFakeDirectory()
	dir.groups["jdoe"] = []string{"woodshop", "laser"}
	h := NewHandler(dir, 3)

	result, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSyncAuthorizations,
		Username:  "jdoe",
	}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(dir.groups["jdoe"]) != 0 {
		t.Errorf("expected all groups removed, got %v", dir.groups["jdoe"])
	}
	if sync := result.(SyncResult); len(sync.Removed) != 2 {
		t.Errorf("expected 2 removals reported, got %+v", sync)
	}
}

func TestHandleGetDateTime(t *testing.T) {
	h := NewHandler(newFakeDirectory(), 3)

	result, err := h.Handle(context.Background(), request(t, Op{Operation: OpGetDateTime}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if r := result.(TimeResult); r.CurrentTime == "" {
		t.Error("expected current time in result")
	}
}

func TestHandleRejectsBadInput(t *testing.T) {
	h := NewHandler(newFakeDirectory(), 3)

	cases := []struct {
		name string
		op   Op
	}{
		{"UnknownOperation", Op{Operation: "explode"}},
		{"SetEnabledWithoutUsername", Op{Operation: OpSetEnabled, Enabled: boolPtr(true)}},
		{"SetEnabledWithoutFlag", Op{Operation: OpSetEnabled, Username: "jdoe"}},
		{"SyncWithoutUsername", Op{Operation: OpSyncAuthorizations}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Handle(context.Background(), request(t, tc.op)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleRetriesUnreachableDirectory(t *testing.T) {
	dir := newFakeDirectory()
	dir.outages = 2
	h := NewHandler(dir, 3)

	_, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSetEnabled,
		Username:  "jdoe",
		Enabled:   boolPtr(true),
	}))
	if err != nil {
		t.Fatalf("Handle failed after transient outage: %v", err)
	}
	if dir.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", dir.calls)
	}
	if !dir.enabled["jdoe"] {
		t.Error("expected jdoe enabled after retried call")
	}
}

func TestHandleGivesUpAfterBoundedRetries(t *testing.T) {
	dir := newFakeDirectory()
	dir.outages = 10
	h := NewHandler(dir, 3)

	_, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSetEnabled,
		Username:  "jdoe",
		Enabled:   boolPtr(true),
	}))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if dir.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", dir.calls)
	}
}

func TestHandleDoesNotRetryUnknownUser(t *testing.T) {
	dir := newFakeDirectory()
	dir.missing = true
	h := NewHandler(dir, 3)

	_, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSetEnabled,
		Username:  "ghost",
		Enabled:   boolPtr(true),
	}))
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if dir.calls != 1 {
		t.Errorf("expected a single attempt, got %d", dir.calls)
	}
}

func TestHandleUnknownUser(t *testing.T) {
	dir := newFakeDirectory()
	dir.missing = true
	h := NewHandler(dir, 3)

	_, err := h.Handle(context.Background(), request(t, Op{
		Operation: OpSetEnabled,
		Username:  "ghost",
		Enabled:   boolPtr(true),
	}))
	if err == nil {
		t.Error("expected error for unknown user")
	}
}
