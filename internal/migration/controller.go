// Package migration adopts guest data when an anonymous user signs in, either
// merging it into the account or replacing it with the account's data.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/mapper"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/syncengine"
	"github.com/MarcoPoloResearchLab/shelf/internal/tombstone"
	"go.uber.org/zap"
)

const (
	// SettingMigrationUserID holds the user whose sign-in transition was last handled.
	SettingMigrationUserID = "migration_user_id"
	// ContextMigration marks sync results refused while the guest data choice is open.
	ContextMigration = "migration"
)

// Mode selects how guest data is adopted.
type Mode string

const (
	// ModeMerge links guest records to matching account records and pushes the rest.
	ModeMerge Mode = "merge"
	// ModeReplace discards guest records and pulls the account's data.
	ModeReplace Mode = "replace"
)

var (
	// ErrInvalidMode indicates a mode other than merge or replace.
	ErrInvalidMode = errors.New("migration: invalid mode")
	// ErrMissingUserID indicates an empty user id.
	ErrMissingUserID = errors.New("migration: user id required")
	// ErrChoicePending indicates guest data is waiting for a merge or replace choice.
	ErrChoicePending = errors.New("migration: guest data awaits a merge or replace choice")

	errMissingLocalStore = errors.New("migration: local store is required")
	errMissingTombstones = errors.New("migration: tombstone tracker is required")
	errMissingRemote     = errors.New("migration: remote store is required")
	errMissingSyncer     = errors.New("migration: syncer is required")
)

// ParseMode validates raw input against the supported modes.
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeMerge, ModeReplace:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Syncer runs a full sync pass.
type Syncer interface {
	SyncAll(ctx context.Context) syncengine.SyncResult
}

// Config wires the controller.
type Config struct {
	Local      *localstore.Store
	Tombstones *tombstone.Tracker
	Remote     remote.Store
	Syncer     Syncer
	Logger     *zap.Logger
}

// State is what the caller shows after a sign-in: either a pending choice with
// the number of guest records at stake, or the result of the sync that ran.
type State struct {
	UserID     string
	Pending    bool
	Candidates int64
	Handled    bool
	Result     *syncengine.SyncResult
}

// Controller fires once per sign-in transition and stays handled until sign-out
// or until a different user signs in.
type Controller struct {
	mu         sync.Mutex
	local      *localstore.Store
	tombstones *tombstone.Tracker
	remote     remote.Store
	syncer     Syncer
	logger     *zap.Logger
	state      State
}

// NewController validates cfg.
func NewController(cfg Config) (*Controller, error) {
	switch {
	case cfg.Local == nil:
		return nil, errMissingLocalStore
	case cfg.Tombstones == nil:
		return nil, errMissingTombstones
	case cfg.Remote == nil:
		return nil, errMissingRemote
	case cfg.Syncer == nil:
		return nil, errMissingSyncer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		local:      cfg.Local,
		tombstones: cfg.Tombstones,
		remote:     cfg.Remote,
		syncer:     cfg.Syncer,
		logger:     logger,
	}, nil
}

// HandleSignIn checks for guest data. Without any it runs a normal sync and
// marks the transition handled; otherwise it leaves a pending choice. Repeated
// calls for the same user return the current state without doing anything,
// including calls from a later process once the transition was recorded.
func (c *Controller) HandleSignIn(ctx context.Context, userID string) (State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return State{}, ErrMissingUserID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.UserID == userID && (c.state.Handled || c.state.Pending) {
		return c.state, nil
	}
	handledUser, _, err := c.local.GetSetting(ctx, SettingMigrationUserID)
	if err != nil {
		return State{}, err
	}
	if handledUser == userID {
		c.state = State{UserID: userID, Handled: true}
		return c.state, nil
	}
	c.state = State{UserID: userID}

	candidates, err := c.countGuestRecords(ctx)
	if err != nil {
		return State{}, err
	}
	if candidates > 0 {
		c.state.Pending = true
		c.state.Candidates = candidates
		c.logger.Info("guest data awaiting migration choice",
			zap.String("user_id", userID), zap.Int64("candidates", candidates))
		return c.state, nil
	}

	if err := c.local.PutSetting(ctx, SettingMigrationUserID, userID); err != nil {
		return State{}, err
	}
	result := c.syncer.SyncAll(ctx)
	c.state.Handled = true
	c.state.Result = &result
	return c.state, nil
}

// Pending reports whether a merge/replace choice is outstanding and how many
// guest records it covers.
func (c *Controller) Pending() (bool, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Pending, c.state.Candidates
}

// SignOut forgets the handled transition so the next sign-in is checked again.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{}
	return c.local.PutSetting(ctx, SettingMigrationUserID, "")
}

// Gate wraps syncer so it only runs once the current sign-in transition is
// handled. Until then every run returns a failed result with ErrChoicePending
// and nothing reaches the remote store.
func (c *Controller) Gate(syncer Syncer) Syncer {
	return gatedSyncer{controller: c, syncer: syncer}
}

type gatedSyncer struct {
	controller *Controller
	syncer     Syncer
}

func (g gatedSyncer) SyncAll(ctx context.Context) syncengine.SyncResult {
	g.controller.mu.Lock()
	handled := g.controller.state.Handled
	g.controller.mu.Unlock()
	if !handled {
		g.controller.logger.Info("sync held until guest data choice is made")
		return syncengine.SyncResult{Errors: []syncengine.SyncError{{
			Context: ContextMigration,
			Message: ErrChoicePending.Error(),
			Err:     ErrChoicePending,
		}}}
	}
	return g.syncer.SyncAll(ctx)
}

// MigrateGuestData executes mode for userID and then runs a full sync. Errors
// before the sync leave every local record either untouched or linked.
func (c *Controller) MigrateGuestData(ctx context.Context, userID string, mode Mode) (syncengine.SyncResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return syncengine.SyncResult{}, ErrMissingUserID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch mode {
	case ModeMerge:
		err = c.merge(ctx, userID)
	case ModeReplace:
		err = c.replace(ctx, userID)
	default:
		return syncengine.SyncResult{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err != nil {
		c.logger.Error("guest data migration failed",
			zap.String("user_id", userID), zap.String("mode", string(mode)), zap.Error(err))
		return syncengine.SyncResult{}, err
	}

	if err := c.local.PutSetting(ctx, SettingMigrationUserID, userID); err != nil {
		return syncengine.SyncResult{}, err
	}
	result := c.syncer.SyncAll(ctx)
	c.state = State{UserID: userID, Handled: true, Result: &result}
	c.logger.Info("guest data migrated",
		zap.String("user_id", userID), zap.String("mode", string(mode)), zap.Bool("sync_success", result.Success))
	return result, nil
}

func (c *Controller) countGuestRecords(ctx context.Context) (int64, error) {
	items, err := c.local.CountUnsyncedItems(ctx)
	if err != nil {
		return 0, err
	}
	lists, err := c.local.CountUnsyncedLists(ctx)
	if err != nil {
		return 0, err
	}
	return items + lists, nil
}

// replace fetches the account's rows first so an unreachable remote leaves the
// guest data in place.
func (c *Controller) replace(ctx context.Context, userID string) error {
	if _, err := c.remote.ListLists(ctx, userID); err != nil {
		return fmt.Errorf("migration: fetch remote lists: %w", err)
	}
	if _, err := c.remote.ListItems(ctx, userID); err != nil {
		return fmt.Errorf("migration: fetch remote items: %w", err)
	}
	if err := c.local.ClearItems(ctx); err != nil {
		return err
	}
	if err := c.local.ClearLists(ctx); err != nil {
		return err
	}
	return c.tombstones.Clear(ctx)
}

func (c *Controller) merge(ctx context.Context, userID string) error {
	if err := c.mergeLists(ctx, userID); err != nil {
		return err
	}
	return c.mergeItems(ctx, userID)
}

func (c *Controller) mergeLists(ctx context.Context, userID string) error {
	remoteLists, err := c.remote.ListLists(ctx, userID)
	if err != nil {
		return fmt.Errorf("migration: fetch remote lists: %w", err)
	}
	byName := make(map[string]string, len(remoteLists))
	for _, record := range remoteLists {
		if _, exists := byName[record.Name]; !exists {
			byName[record.Name] = record.ID
		}
	}

	guestLists, err := c.local.UnsyncedLists(ctx)
	if err != nil {
		return err
	}
	for _, list := range guestLists {
		remoteID, matched := byName[list.Name]
		if matched {
			// one remote list adopts at most one guest list
			delete(byName, list.Name)
		} else {
			stored, err := c.remote.InsertList(ctx, mapper.ToRemoteList(list, userID))
			if err != nil {
				return fmt.Errorf("migration: push list %d: %w", list.ID, err)
			}
			remoteID = stored.ID
		}
		if err := c.local.LinkList(ctx, list.ID, remoteID); err != nil {
			return err
		}
		c.logger.Debug("guest list adopted",
			zap.Int64("local_id", list.ID), zap.String("remote_id", remoteID), zap.Bool("matched", matched))
	}
	return nil
}

func (c *Controller) mergeItems(ctx context.Context, userID string) error {
	remoteItems, err := c.remote.ListItems(ctx, userID)
	if err != nil {
		return fmt.Errorf("migration: fetch remote items: %w", err)
	}
	byKey := make(map[string]string, len(remoteItems))
	for _, record := range remoteItems {
		key := localstore.DedupKey(record.ExternalID, record.Source)
		if key == nil {
			continue
		}
		if _, exists := byKey[*key]; !exists {
			byKey[*key] = record.ID
		}
	}

	lists, err := c.local.AllLists(ctx)
	if err != nil {
		return err
	}
	index := mapper.NewListIndex(lists)

	guestItems, err := c.local.UnsyncedItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range guestItems {
		var remoteID string
		key := localstore.DedupKey(item.ExternalID, item.Source)
		if key != nil {
			remoteID = byKey[*key]
		}
		if remoteID == "" {
			stored, err := c.remote.InsertItem(ctx, mapper.ToRemoteItem(item, userID, index))
			if err != nil {
				return fmt.Errorf("migration: push item %d: %w", item.ID, err)
			}
			remoteID = stored.ID
		} else {
			delete(byKey, *key)
		}
		if err := c.local.LinkItem(ctx, item.ID, remoteID); err != nil {
			return err
		}
	}
	return nil
}
