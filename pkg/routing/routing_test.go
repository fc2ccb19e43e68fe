package routing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	store := New(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetAndGetRoute(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SetRoute(ctx, "status", "http://dhstatus:8801/v1/change_status"); err != nil {
		t.Fatalf("SetRoute failed: %v", err)
	}

	route, err := store.GetRoute(ctx, "status")
	if err != nil {
		t.Fatalf("GetRoute failed: %v", err)
	}
	if route.Endpoint != "http://dhstatus:8801/v1/change_status" {
		t.Errorf("unexpected endpoint: %q", route.Endpoint)
	}
}

func TestSetRouteReplacesExisting(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SetRoute(ctx, "status", "http://old:8801/v1/change_status"); err != nil {
		t.Fatalf("SetRoute failed: %v", err)
	}
	if err := store.SetRoute(ctx, "status", "http://new:8801/v1/change_status"); err != nil {
		t.Fatalf("SetRoute replace failed: %v", err)
	}

	routes, err := store.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes failed: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route after replace, got %d", len(routes))
	}
	if routes[0].Endpoint != "http://new:8801/v1/change_status" {
		t.Errorf("endpoint was not replaced: %q", routes[0].Endpoint)
	}
}

func TestSetRouteRejectsEmpty(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SetRoute(ctx, "", "http://x"); err == nil {
		t.Error("expected error for empty name")
	}
	if err := store.SetRoute(ctx, "status", ""); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestListRoutesOrdered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for name, endpoint := range map[string]string{
		"status":   "http://dhstatus:8801/v1/change_status",
		"access":   "http://dhaccess:8803/v1/change_access",
		"identity": "http://dhidentity:8802/v1/change_identity",
	} {
		if err := store.SetRoute(ctx, name, endpoint); err != nil {
			t.Fatalf("SetRoute(%q) failed: %v", name, err)
		}
	}

	routes, err := store.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes failed: %v", err)
	}
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(routes))
	}
	want := []string{"access", "identity", "status"}
	for i, name := range want {
		if routes[i].Name != name {
			t.Errorf("route %d: expected %q, got %q", i, name, routes[i].Name)
		}
	}
}

func TestDeleteRoute(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SetRoute(ctx, "status", "http://dhstatus:8801/v1/change_status"); err != nil {
		t.Fatalf("SetRoute failed: %v", err)
	}
	if err := store.DeleteRoute(ctx, "status"); err != nil {
		t.Fatalf("DeleteRoute failed: %v", err)
	}

	_, err := store.GetRoute(ctx, "status")
	if !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("expected ErrRouteNotFound after delete, got %v", err)
	}
}

func TestDeleteMissingRoute(t *testing.T) {
	store := testStore(t)

	err := store.DeleteRoute(context.Background(), "nope")
	if !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("expected ErrRouteNotFound, got %v", err)
	}
}

func TestSaveAndListWaivers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := json.RawMessage(`{"first_name":"Ada","last_name":"Lovelace"}`)
	second := json.RawMessage(`{"first_name":"Grace","last_name":"Hopper"}`)

	id1, err := store.SaveWaiver(ctx, first)
	if err != nil {
		t.Fatalf("SaveWaiver failed: %v", err)
	}
	id2, err := store.SaveWaiver(ctx, second)
	if err != nil {
		t.Fatalf("SaveWaiver failed: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("expected increasing ids, got %d then %d", id1, id2)
	}

	waivers, err := store.ListWaivers(ctx, 10)
	if err != nil {
		t.Fatalf("ListWaivers failed: %v", err)
	}
	if len(waivers) != 2 {
		t.Fatalf("expected 2 waivers, got %d", len(waivers))
	}
	// Newest first.
	if waivers[0].ID != id2 {
		t.Errorf("expected waiver %d first, got %d", id2, waivers[0].ID)
	}

	var got map[string]string
	if err := json.Unmarshal([]byte(waivers[0].Details), &got); err != nil {
		t.Fatalf("stored details are not valid JSON: %v", err)
	}
	if got["first_name"] != "Grace" {
		t.Errorf("unexpected details: %v", got)
	}
}

func TestSaveWaiverRejectsInvalidJSON(t *testing.T) {
	store := testStore(t)

	if _, err := store.SaveWaiver(context.Background(), json.RawMessage(`{"broken"`)); err == nil {
		t.Error("expected error for invalid JSON payload")
	}
}

func TestListWaiversLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.SaveWaiver(ctx, json.RawMessage(`{"n":1}`)); err != nil {
			t.Fatalf("SaveWaiver failed: %v", err)
		}
	}

	waivers, err := store.ListWaivers(ctx, 2)
	if err != nil {
		t.Fatalf("ListWaivers failed: %v", err)
	}
	if len(waivers) != 2 {
		t.Errorf("expected limit of 2 respected, got %d", len(waivers))
	}
}
