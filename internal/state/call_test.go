// internal/state/call_test.go
package state

import (
	"context"
	"testing"
	"time"

	"github.com/user/gophercall/internal/types"
)

func TestCallStore(t *testing.T) {
	dir := t.TempDir()
	store := NewCallStore(dir)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	rec, err := store.Open(ctx, "call-1", "browser", started)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "active" {
		t.Errorf("expected status active, got %s", rec.Status)
	}
	if rec.Source != "browser" {
		t.Errorf("expected source browser, got %s", rec.Source)
	}

	// Open is idempotent for an existing call
	again, err := store.Open(ctx, "call-1", "phone", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if again.Source != "browser" {
		t.Errorf("expected existing record returned, got source %s", again.Source)
	}

	got, err := store.Get(ctx, "call-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CallID != "call-1" {
		t.Errorf("expected call-1, got %s", got.CallID)
	}
}

func TestCallStore_GetMissing(t *testing.T) {
	dir := t.TempDir()
	store := NewCallStore(dir)

	if _, err := store.Get(context.Background(), "nope"); err == nil {
		t.Error("expected error for missing call")
	}
}

func TestCallStore_UpdateFinalizes(t *testing.T) {
	dir := t.TempDir()
	store := NewCallStore(dir)
	ctx := context.Background()

	rec, err := store.Open(ctx, "call-2", "phone", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	rec.Status = "ended"
	rec.DurationSeconds = 42
	rec.EndedAt = time.Now()
	if err := store.Update(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "call-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "ended" {
		t.Errorf("expected status ended, got %s", got.Status)
	}
	if got.DurationSeconds != 42 {
		t.Errorf("expected duration 42, got %d", got.DurationSeconds)
	}
}

func TestCallStore_ListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	store := NewCallStore(dir)
	ctx := context.Background()

	now := time.Now()
	if _, err := store.Open(ctx, "old", "phone", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(ctx, "new", "browser", now); err != nil {
		t.Fatal(err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].CallID != "new" {
		t.Errorf("expected newest first, got %s", records[0].CallID)
	}
}

func TestCallStore_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewCallStore(dir)
	if _, err := store.Open(ctx, types.CallID("persist"), "browser", time.Now()); err != nil {
		t.Fatal(err)
	}

	reopened := NewCallStore(dir)
	got, err := reopened.Get(ctx, "persist")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "active" {
		t.Errorf("expected active after reload, got %s", got.Status)
	}
}
