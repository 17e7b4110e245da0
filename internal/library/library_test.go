package library

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/database"
	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/tombstone"
	"go.uber.org/zap"
)

var baseTime = time.Date(2025, 7, 4, 10, 0, 0, 0, time.UTC)

type countingTrigger struct {
	count int
}

func (t *countingTrigger) Trigger() { t.count++ }

type fixture struct {
	library    *Library
	local      *localstore.Store
	tombstones *tombstone.Tracker
	trigger    *countingTrigger
	now        time.Time
}

func newFixture(testContext *testing.T) *fixture {
	testContext.Helper()
	db, err := database.OpenLocal(filepath.Join(testContext.TempDir(), "shelf.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open local database: %v", err)
	}
	local, err := localstore.New(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	tracker, err := tombstone.NewTracker(db)
	if err != nil {
		testContext.Fatalf("failed to build tracker: %v", err)
	}
	f := &fixture{local: local, tombstones: tracker, trigger: &countingTrigger{}, now: baseTime}
	library, err := New(Config{
		Local:      local,
		Tombstones: tracker,
		AutoSync:   f.trigger,
		Clock:      func() time.Time { return f.now },
	})
	if err != nil {
		testContext.Fatalf("failed to build library: %v", err)
	}
	f.library = library
	return f
}

func TestAddItemDeduplicatesByExternalIdentity(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()

	first, created, err := f.library.AddItem(ctx, NewItem{Title: "Arrival", Type: "movie", ExternalID: "329865", Source: "tmdb"})
	if err != nil || !created {
		testContext.Fatalf("expected creation, got %v %v", created, err)
	}
	if first.Status != localstore.ItemStatusPlanned {
		testContext.Fatalf("expected planned default, got %q", first.Status)
	}
	second, created, err := f.library.AddItem(ctx, NewItem{Title: "Arrival (2016)", Type: "movie", ExternalID: "329865", Source: "tmdb"})
	if err != nil || created {
		testContext.Fatalf("expected existing item, got %v %v", created, err)
	}
	if second.ID != first.ID {
		testContext.Fatalf("expected existing id %d, got %d", first.ID, second.ID)
	}
	if f.trigger.count != 1 {
		testContext.Fatalf("expected one auto-sync trigger, got %d", f.trigger.count)
	}
}

func TestAddItemValidatesInput(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	if _, _, err := f.library.AddItem(ctx, NewItem{Title: " "}); !errors.Is(err, ErrMissingTitle) {
		testContext.Fatalf("expected missing title, got %v", err)
	}
	if _, _, err := f.library.AddItem(ctx, NewItem{Title: "x", Type: "podcast"}); !errors.Is(err, localstore.ErrInvalidItemType) {
		testContext.Fatalf("expected invalid type, got %v", err)
	}
	if f.trigger.count != 0 {
		testContext.Fatalf("rejected input must not trigger a sync")
	}
}

func TestBulkAddPlannedItemsNeverDuplicates(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	if _, _, err := f.library.AddItem(ctx, NewItem{Title: "Hades", Type: "game", ExternalID: "h1", Source: "igdb"}); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}

	added, err := f.library.BulkAddPlannedItems(ctx, []NewItem{
		{Title: "Hades", Type: "game", ExternalID: "h1", Source: "igdb"},
		{Title: "Celeste", Type: "game", ExternalID: "c1", Source: "igdb", Status: "completed"},
		{Title: "Celeste again", Type: "game", ExternalID: "c1", Source: "igdb"},
		{Title: "Handwritten", Type: "other"},
	})
	if err != nil {
		testContext.Fatalf("bulk add failed: %v", err)
	}
	if added != 2 {
		testContext.Fatalf("expected 2 new items, got %d", added)
	}
	items, err := f.library.Items(ctx, nil)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(items) != 3 {
		testContext.Fatalf("expected 3 items, got %d", len(items))
	}
	for _, item := range items[1:] {
		if item.Status != localstore.ItemStatusPlanned {
			testContext.Fatalf("bulk items must be planned, got %q for %q", item.Status, item.Title)
		}
	}
}

func TestUpdateItemBumpsUpdatedAtAndCompletion(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	item, _, err := f.library.AddItem(ctx, NewItem{Title: "Dune", Type: "book"})
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}

	f.now = baseTime.Add(time.Hour)
	completed := "completed"
	tags := []string{"sci-fi"}
	updated, err := f.library.UpdateItem(ctx, item.ID, ItemPatch{Status: &completed, Tags: &tags})
	if err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	if !updated.UpdatedAt.Equal(f.now) {
		testContext.Fatalf("expected updated_at bump, got %s", updated.UpdatedAt)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(f.now) {
		testContext.Fatalf("expected completion time, got %v", updated.CompletedAt)
	}
	if len(updated.Tags) != 1 || updated.Tags[0] != "sci-fi" {
		testContext.Fatalf("unexpected tags %v", updated.Tags)
	}

	if _, err := f.library.UpdateItem(ctx, 999, ItemPatch{}); !errors.Is(err, localstore.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteItemRecordsTombstoneOnlyWhenLinked(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	linked, _, err := f.library.AddItem(ctx, NewItem{Title: "Alien", Type: "movie", ExternalID: "tt1", Source: "tmdb"})
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	guest, _, err := f.library.AddItem(ctx, NewItem{Title: "Aliens", Type: "movie", ExternalID: "tt2", Source: "tmdb"})
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if err := f.local.LinkItem(ctx, linked.ID, "R1"); err != nil {
		testContext.Fatalf("link failed: %v", err)
	}

	if err := f.library.DeleteItem(ctx, guest.ID); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if err := f.library.DeleteItem(ctx, linked.ID); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}

	entries, err := f.tombstones.Drain(ctx)
	if err != nil {
		testContext.Fatalf("drain failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RemoteID != "R1" || entries[0].Table != localstore.TableItems {
		testContext.Fatalf("expected exactly one items tombstone for R1, got %+v", entries)
	}
}

func TestDeleteListDetachesItemsAndTombstones(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	list, err := f.library.CreateList(ctx, "Backlog", "📚", "")
	if err != nil {
		testContext.Fatalf("create list failed: %v", err)
	}
	if err := f.local.LinkList(ctx, list.ID, "L1"); err != nil {
		testContext.Fatalf("link failed: %v", err)
	}
	item, _, err := f.library.AddItem(ctx, NewItem{Title: "Piranesi", Type: "book", ListID: &list.ID})
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}

	f.now = baseTime.Add(time.Minute)
	if err := f.library.DeleteList(ctx, list.ID); err != nil {
		testContext.Fatalf("delete list failed: %v", err)
	}
	stored, err := f.local.GetItem(ctx, item.ID)
	if err != nil {
		testContext.Fatalf("item must survive: %v", err)
	}
	if stored.ListID != nil || !stored.UpdatedAt.Equal(f.now) {
		testContext.Fatalf("expected detached and bumped item, got %+v", stored)
	}
	entries, err := f.tombstones.Drain(ctx)
	if err != nil || len(entries) != 1 || entries[0].Table != localstore.TableLists {
		testContext.Fatalf("expected a lists tombstone, got %+v %v", entries, err)
	}
}

func TestRenameList(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	list, err := f.library.CreateList(ctx, "Favs", "", "")
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	f.now = baseTime.Add(time.Hour)
	renamed, err := f.library.RenameList(ctx, list.ID, "Favorites")
	if err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	if renamed.Name != "Favorites" || !renamed.ModifiedAt().Equal(f.now) {
		testContext.Fatalf("unexpected renamed list %+v", renamed)
	}
	if _, err := f.library.RenameList(ctx, list.ID, ""); !errors.Is(err, ErrMissingName) {
		testContext.Fatalf("expected missing name, got %v", err)
	}
}
