package migration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/auth"
	"github.com/MarcoPoloResearchLab/shelf/internal/database"
	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/shelf/internal/syncengine"
	"github.com/MarcoPoloResearchLab/shelf/internal/tombstone"
	"go.uber.org/zap"
)

const testUserID = "user-1"

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixedSession struct{}

func (fixedSession) Session(context.Context) (*auth.Session, error) {
	return &auth.Session{UserID: testUserID}, nil
}

type countingSyncer struct {
	inner Syncer
	runs  int
}

func (s *countingSyncer) SyncAll(ctx context.Context) syncengine.SyncResult {
	s.runs++
	return s.inner.SyncAll(ctx)
}

type fixture struct {
	controller *Controller
	local      *localstore.Store
	tombstones *tombstone.Tracker
	remote     *remotetest.Store
	syncer     *countingSyncer
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
	remoteStore := remotetest.NewStore()
	engine, err := syncengine.New(syncengine.Config{
		Local:      local,
		Tombstones: tracker,
		Remote:     remoteStore,
		Sessions:   fixedSession{},
		Clock:      func() time.Time { return baseTime },
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	syncer := &countingSyncer{inner: engine}
	controller, err := NewController(Config{
		Local:      local,
		Tombstones: tracker,
		Remote:     remoteStore,
		Syncer:     syncer,
	})
	if err != nil {
		testContext.Fatalf("failed to build controller: %v", err)
	}
	return &fixture{controller: controller, local: local, tombstones: tracker, remote: remoteStore, syncer: syncer}
}

func (f *fixture) addGuestItem(testContext *testing.T, title, externalID string) *localstore.Item {
	testContext.Helper()
	item := &localstore.Item{
		Title:      title,
		Type:       localstore.ItemTypeBook,
		Status:     localstore.ItemStatusPlanned,
		ExternalID: externalID,
		Source:     "openlibrary",
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
	if err := f.local.CreateItem(context.Background(), item); err != nil {
		testContext.Fatalf("failed to create item: %v", err)
	}
	return item
}

func TestParseMode(testContext *testing.T) {
	if mode, err := ParseMode(" Merge "); err != nil || mode != ModeMerge {
		testContext.Fatalf("unexpected parse %q %v", mode, err)
	}
	if _, err := ParseMode("overwrite"); !errors.Is(err, ErrInvalidMode) {
		testContext.Fatalf("expected invalid mode, got %v", err)
	}
}

func TestHandleSignInWithoutGuestDataSyncsOnce(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()

	state, err := f.controller.HandleSignIn(ctx, testUserID)
	if err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}
	if state.Pending || !state.Handled || state.Result == nil || !state.Result.Success {
		testContext.Fatalf("expected handled state with a sync result, got %+v", state)
	}
	if _, err := f.controller.HandleSignIn(ctx, testUserID); err != nil {
		testContext.Fatalf("repeat sign-in failed: %v", err)
	}
	if f.syncer.runs != 1 {
		testContext.Fatalf("expected a single sync per sign-in transition, got %d", f.syncer.runs)
	}

	if err := f.controller.SignOut(ctx); err != nil {
		testContext.Fatalf("sign-out failed: %v", err)
	}
	if _, err := f.controller.HandleSignIn(ctx, testUserID); err != nil {
		testContext.Fatalf("sign-in after sign-out failed: %v", err)
	}
	if f.syncer.runs != 2 {
		testContext.Fatalf("expected sign-out to re-arm the controller, got %d runs", f.syncer.runs)
	}
}

func TestHandleSignInWithGuestDataIsPending(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	f.addGuestItem(testContext, "Dune", "OL1")
	if err := f.local.CreateList(ctx, &localstore.List{Name: "Favorites", CreatedAt: baseTime}); err != nil {
		testContext.Fatalf("create list failed: %v", err)
	}

	state, err := f.controller.HandleSignIn(ctx, testUserID)
	if err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}
	if !state.Pending || state.Candidates != 2 || state.Handled {
		testContext.Fatalf("expected pending choice over 2 records, got %+v", state)
	}
	if pending, candidates := f.controller.Pending(); !pending || candidates != 2 {
		testContext.Fatalf("unexpected pending %v %d", pending, candidates)
	}
	if f.syncer.runs != 0 {
		testContext.Fatalf("sync must wait for the choice")
	}
	if _, err := f.controller.HandleSignIn(ctx, testUserID); err != nil {
		testContext.Fatalf("repeat sign-in failed: %v", err)
	}
	if f.syncer.runs != 0 {
		testContext.Fatalf("repeat sign-in must not re-prompt or sync")
	}
}

func TestMergeLinksSameNamedList(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	f.remote.SeedList(remote.ListRecord{ID: "L1", UserID: testUserID, Name: "Favorites", CreatedAt: baseTime})
	list := &localstore.List{Name: "Favorites", CreatedAt: baseTime}
	if err := f.local.CreateList(ctx, list); err != nil {
		testContext.Fatalf("create list failed: %v", err)
	}
	if _, err := f.controller.HandleSignIn(ctx, testUserID); err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}

	result, err := f.controller.MigrateGuestData(ctx, testUserID, ModeMerge)
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}
	if !result.Success {
		testContext.Fatalf("expected follow-up sync to succeed, got %+v", result.Errors)
	}
	stored, err := f.local.GetList(ctx, list.ID)
	if err != nil {
		testContext.Fatalf("reload failed: %v", err)
	}
	if !stored.Linked() || *stored.RemoteID != "L1" {
		testContext.Fatalf("expected list linked to L1, got %v", stored.RemoteID)
	}
	if f.remote.Calls(remotetest.CallInsertList) != 0 || len(f.remote.Lists()) != 1 {
		testContext.Fatalf("merge must not create a second remote list")
	}
	if pending, _ := f.controller.Pending(); pending {
		testContext.Fatalf("expected pending choice to be cleared")
	}
}

func TestMergeDeduplicatesItemsByExternalIdentity(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	existing := f.remote.SeedItem(remote.ItemRecord{UserID: testUserID, Title: "Dune", Type: "book", Status: "completed", ExternalID: "OL1", Source: "openlibrary", CreatedAt: baseTime, UpdatedAt: baseTime})
	matched := f.addGuestItem(testContext, "Dune", "OL1")
	fresh := f.addGuestItem(testContext, "Piranesi", "OL2")

	if _, err := f.controller.MigrateGuestData(ctx, testUserID, ModeMerge); err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	linked, err := f.local.GetItem(ctx, matched.ID)
	if err != nil {
		testContext.Fatalf("reload failed: %v", err)
	}
	if !linked.Linked() || *linked.RemoteID != existing.ID {
		testContext.Fatalf("expected guest item linked to %s, got %v", existing.ID, linked.RemoteID)
	}
	pushed, err := f.local.GetItem(ctx, fresh.ID)
	if err != nil || !pushed.Linked() {
		testContext.Fatalf("expected unmatched guest item to be pushed, got %v %v", pushed, err)
	}
	if rows := f.remote.Items(); len(rows) != 2 {
		testContext.Fatalf("expected exactly two remote items, got %d", len(rows))
	}
	if f.remote.Calls(remotetest.CallInsertItem) != 1 {
		testContext.Fatalf("only the unmatched item may be inserted")
	}
}

func TestReplaceDiscardsGuestData(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.addGuestItem(testContext, fmt.Sprintf("Guest %d", i), fmt.Sprintf("G%d", i))
	}
	if err := f.tombstones.Record(ctx, "stale", localstore.TableItems, baseTime); err != nil {
		testContext.Fatalf("record failed: %v", err)
	}
	f.remote.SeedItem(remote.ItemRecord{UserID: testUserID, Title: "Remote A", Type: "movie", Status: "planned", CreatedAt: baseTime, UpdatedAt: baseTime})
	f.remote.SeedItem(remote.ItemRecord{UserID: testUserID, Title: "Remote B", Type: "game", Status: "planned", CreatedAt: baseTime, UpdatedAt: baseTime})

	result, err := f.controller.MigrateGuestData(ctx, testUserID, ModeReplace)
	if err != nil {
		testContext.Fatalf("replace failed: %v", err)
	}
	if !result.Success {
		testContext.Fatalf("expected sync success, got %+v", result.Errors)
	}
	items, err := f.local.AllItems(ctx)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(items) != 2 {
		testContext.Fatalf("expected exactly the 2 remote items, got %d", len(items))
	}
	for _, item := range items {
		if !item.Linked() {
			testContext.Fatalf("expected only pulled items, found guest item %q", item.Title)
		}
	}
	if pending, err := f.tombstones.Pending(ctx); err != nil || pending != 0 {
		testContext.Fatalf("expected tombstones cleared, got %d %v", pending, err)
	}
	if f.remote.Calls(remotetest.CallDelete) != 0 {
		testContext.Fatalf("cleared tombstones must not reach the remote")
	}
}

func TestReplaceKeepsGuestDataWhenRemoteUnreachable(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	f.addGuestItem(testContext, "Dune", "OL1")
	f.remote.FailOn(remotetest.CallListItems, errors.New("offline"))

	if _, err := f.controller.MigrateGuestData(ctx, testUserID, ModeReplace); err == nil {
		testContext.Fatalf("expected replace to fail")
	}
	total, err := f.local.CountItems(ctx)
	if err != nil || total != 1 {
		testContext.Fatalf("guest data must survive a failed replace, got %d %v", total, err)
	}
	if f.syncer.runs != 0 {
		testContext.Fatalf("sync must not run after a failed migration")
	}
}

func TestMigrateRejectsBadInput(testContext *testing.T) {
	f := newFixture(testContext)
	if _, err := f.controller.MigrateGuestData(context.Background(), " ", ModeMerge); !errors.Is(err, ErrMissingUserID) {
		testContext.Fatalf("expected missing user error, got %v", err)
	}
	if _, err := f.controller.MigrateGuestData(context.Background(), testUserID, Mode("wipe")); !errors.Is(err, ErrInvalidMode) {
		testContext.Fatalf("expected invalid mode error, got %v", err)
	}
}

func TestHandledSignInSurvivesNewController(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	if _, err := f.controller.HandleSignIn(ctx, testUserID); err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}

	restarted, err := NewController(Config{
		Local:      f.local,
		Tombstones: f.tombstones,
		Remote:     f.remote,
		Syncer:     f.syncer,
	})
	if err != nil {
		testContext.Fatalf("failed to build controller: %v", err)
	}
	state, err := restarted.HandleSignIn(ctx, testUserID)
	if err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}
	if !state.Handled || state.Pending || state.Result != nil {
		testContext.Fatalf("expected the recorded transition to be handled without a sync, got %+v", state)
	}
	if f.syncer.runs != 1 {
		testContext.Fatalf("expected no second sign-in sync, got %d runs", f.syncer.runs)
	}

	other, err := restarted.HandleSignIn(ctx, "user-2")
	if err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}
	if !other.Handled || other.Result == nil || f.syncer.runs != 2 {
		testContext.Fatalf("expected a different user to start a new transition, got %+v", other)
	}
}

func TestGateHoldsSyncUntilGuestDataChoice(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	f.remote.SeedItem(remote.ItemRecord{ID: "R1", UserID: testUserID, Title: "Dune", Type: "book", Status: "planned", ExternalID: "OL1", Source: "openlibrary", CreatedAt: baseTime, UpdatedAt: baseTime})
	guest := f.addGuestItem(testContext, "Dune", "OL1")
	gated := f.controller.Gate(f.syncer)

	held := gated.SyncAll(ctx)
	if held.Success || len(held.Errors) != 1 || !errors.Is(held.Errors[0], ErrChoicePending) {
		testContext.Fatalf("expected sync to be held before sign-in is handled, got %+v", held)
	}
	if _, err := f.controller.HandleSignIn(ctx, testUserID); err != nil {
		testContext.Fatalf("sign-in failed: %v", err)
	}
	if held := gated.SyncAll(ctx); held.Success || held.Errors[0].Context != ContextMigration {
		testContext.Fatalf("expected sync to be held while the choice is pending, got %+v", held)
	}
	if f.syncer.runs != 0 || len(f.remote.Items()) != 1 {
		testContext.Fatalf("guest data must not reach the remote store before the choice")
	}

	if _, err := f.controller.MigrateGuestData(ctx, testUserID, ModeMerge); err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}
	if result := gated.SyncAll(ctx); !result.Success {
		testContext.Fatalf("expected sync to run after the choice, got %+v", result.Errors)
	}
	if rows := f.remote.Items(); len(rows) != 1 {
		testContext.Fatalf("expected the guest item to link to R1 instead of duplicating, got %d rows", len(rows))
	}
	linked, err := f.local.GetItem(ctx, guest.ID)
	if err != nil || !linked.Linked() || *linked.RemoteID != "R1" {
		testContext.Fatalf("expected guest item linked to R1, got %+v %v", linked, err)
	}
}
