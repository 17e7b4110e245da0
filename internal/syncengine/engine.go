// Package syncengine reconciles the local store against the remote store for
// the signed-in user: tombstones first, then lists, then items, then cache pruning.
package syncengine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/auth"
	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/tombstone"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCacheTTL = 7 * 24 * time.Hour

	// SettingLastSyncAt holds the RFC 3339 timestamp of the last fully successful run.
	SettingLastSyncAt = "last_sync_at"
)

var (
	errMissingLocalStore = errors.New("syncengine: local store is required")
	errMissingTombstones = errors.New("syncengine: tombstone tracker is required")
	errMissingRemote     = errors.New("syncengine: remote store is required")
	errMissingSessions   = errors.New("syncengine: session provider is required")
	errNoSession         = errors.New("no authenticated session")
	noOpLogger           = zap.NewNop()
)

// Config wires the engine to its collaborators.
type Config struct {
	Local      *localstore.Store
	Tombstones *tombstone.Tracker
	Remote     remote.Store
	Sessions   auth.SessionProvider
	Clock      func() time.Time
	CacheTTL   time.Duration
	Logger     *zap.Logger
}

// Engine runs sync passes. Concurrent SyncAll calls are serialized.
type Engine struct {
	mu         sync.Mutex
	local      *localstore.Store
	tombstones *tombstone.Tracker
	remote     remote.Store
	sessions   auth.SessionProvider
	clock      func() time.Time
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Local == nil:
		return nil, errMissingLocalStore
	case cfg.Tombstones == nil:
		return nil, errMissingTombstones
	case cfg.Remote == nil:
		return nil, errMissingRemote
	case cfg.Sessions == nil:
		return nil, errMissingSessions
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		local:      cfg.Local,
		tombstones: cfg.Tombstones,
		remote:     cfg.Remote,
		sessions:   cfg.Sessions,
		clock:      clock,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}, nil
}

// SyncAll runs one full pass and never fails outright: every phase failure is
// collected into the result and Success reports whether there were none.
func (e *Engine) SyncAll(ctx context.Context) SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := SyncResult{Timestamp: e.clock().UTC()}

	session, err := e.sessions.Session(ctx)
	if err == nil && session == nil {
		err = errNoSession
	}
	if err != nil {
		result.Errors = append(result.Errors, newSyncError(ContextAuth, err))
		e.logger.Info("sync skipped", zap.Error(err))
		return result
	}
	userID := session.UserID

	deletions := e.pushDeletions(ctx, userID)
	result.Processed.Deletions = deletions.count
	e.collect(&result, ContextDeletions, deletions)

	lists := e.reconcileLists(ctx, userID)
	result.Processed.Lists = lists.count
	e.collect(&result, ContextLists, lists)

	items := e.reconcileItems(ctx, userID)
	result.Processed.Items = items.count
	e.collect(&result, ContextItems, items)

	e.pruneCache(ctx)

	result.Success = len(result.Errors) == 0
	if result.Success {
		if err := e.local.PutSetting(ctx, SettingLastSyncAt, result.Timestamp.Format(time.RFC3339)); err != nil {
			e.logger.Warn("failed to record last sync time", zap.Error(err))
		}
	}

	e.logger.Info("sync completed",
		zap.String("user_id", userID),
		zap.Bool("success", result.Success),
		zap.Int("deletions", result.Processed.Deletions),
		zap.Int("lists", result.Processed.Lists),
		zap.Int("items", result.Processed.Items),
		zap.Int("errors", len(result.Errors)))
	return result
}

func (e *Engine) collect(result *SyncResult, context string, outcome phaseResult) {
	if outcome.err == nil {
		return
	}
	result.Errors = append(result.Errors, newSyncError(context, outcome.err))
	e.logError(context, "phase_failed", outcome.err)
}

func (e *Engine) pushDeletions(ctx context.Context, userID string) phaseResult {
	entries, err := e.tombstones.Drain(ctx)
	if err != nil {
		return phaseResult{err: err}
	}
	removed := 0
	for _, entry := range entries {
		if err := e.remote.Delete(ctx, entry.Table, entry.RemoteID, userID); err != nil {
			e.logRecordFailure(ContextDeletions, "remote_delete_failed", err,
				zap.String("table", entry.Table), zap.String("remote_id", entry.RemoteID))
			continue
		}
		if err := e.tombstones.Remove(ctx, entry.RemoteID, entry.Table); err != nil {
			return phaseResult{count: removed, err: err}
		}
		removed++
	}
	return phaseResult{count: removed}
}

func (e *Engine) pruneCache(ctx context.Context) {
	cutoff := e.clock().Add(-e.cacheTTL)
	removed, err := e.local.PruneCache(ctx, cutoff)
	if err != nil {
		e.logger.Warn("cache prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		e.logger.Debug("cache pruned", zap.Int64("removed", removed))
	}
}

// isHardFailure reports errors that make every further call for the entity type pointless.
func isHardFailure(err error) bool {
	return errors.Is(err, remote.ErrMalformedResponse) ||
		errors.Is(err, remote.ErrUnauthorized) ||
		errors.Is(err, remote.ErrForbidden) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// isStoreUnavailable reports local database failures that are not about one record.
func isStoreUnavailable(err error) bool {
	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, gorm.ErrInvalidDB)
}

func (e *Engine) logRecordFailure(context, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("context", context),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	e.logger.Warn("sync record skipped", attrs...)
}

func (e *Engine) logError(context, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("context", context),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync phase error", attrs...)
}
