package syncengine

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/mapper"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"go.uber.org/zap"
)

// entityBinding binds the reconciliation loop to one entity type.
type entityBinding[L any, R any] struct {
	context  string
	table    string
	unsynced func(context.Context) ([]L, error)
	linked   func(context.Context) ([]L, error)
	localID  func(L) int64
	remoteID func(L) string
	toRemote func(L) R
	insert   func(context.Context, R) (string, error)
	update   func(context.Context, R) error
	link     func(context.Context, int64, string) error
	fetch    func(context.Context) ([]R, error)
	rowID    func(R) string
	// pull applies one fetched row locally and reports whether it changed anything.
	pull func(context.Context, R) (bool, error)
	// remove deletes the local records that vanished remotely.
	remove func(context.Context, []L) error
}

// reconcile runs push, pull and prune for one entity type.
func reconcile[L any, R any](ctx context.Context, e *Engine, binding entityBinding[L, R]) phaseResult {
	processed := 0

	pending, err := binding.unsynced(ctx)
	if err != nil {
		return phaseResult{err: err}
	}
	for _, local := range pending {
		remoteID, err := binding.insert(ctx, binding.toRemote(local))
		if err != nil {
			if isHardFailure(err) {
				return phaseResult{count: processed, err: err}
			}
			e.logRecordFailure(binding.context, "remote_insert_failed", err, zap.Int64("local_id", binding.localID(local)))
			continue
		}
		if err := binding.link(ctx, binding.localID(local), remoteID); err != nil {
			return phaseResult{count: processed, err: err}
		}
		processed++
	}

	linked, err := binding.linked(ctx)
	if err != nil {
		return phaseResult{count: processed, err: err}
	}
	for _, local := range linked {
		err := binding.update(ctx, binding.toRemote(local))
		switch {
		case err == nil:
		case errors.Is(err, remote.ErrStaleUpdate):
			e.logger.Debug("remote row is newer, skipping push",
				zap.String("context", binding.context), zap.String("remote_id", binding.remoteID(local)))
		case isHardFailure(err):
			return phaseResult{count: processed, err: err}
		default:
			e.logRecordFailure(binding.context, "remote_update_failed", err, zap.String("remote_id", binding.remoteID(local)))
		}
	}

	rows, err := binding.fetch(ctx)
	if err != nil {
		return phaseResult{count: processed, err: err}
	}
	deleting, err := e.pendingDeletes(ctx, binding.table)
	if err != nil {
		return phaseResult{count: processed, err: err}
	}
	present := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		rowID := binding.rowID(row)
		present[rowID] = struct{}{}
		if _, ok := deleting[rowID]; ok {
			e.logger.Debug("remote row awaiting deletion, skipping pull",
				zap.String("context", binding.context), zap.String("remote_id", rowID))
			continue
		}
		changed, err := binding.pull(ctx, row)
		if err != nil {
			if isHardFailure(err) || isStoreUnavailable(err) {
				return phaseResult{count: processed, err: err}
			}
			e.logRecordFailure(binding.context, "local_apply_failed", err, zap.String("remote_id", rowID))
			continue
		}
		if changed {
			processed++
		}
	}

	linked, err = binding.linked(ctx)
	if err != nil {
		return phaseResult{count: processed, err: err}
	}
	var missing []L
	for _, local := range linked {
		if _, ok := present[binding.remoteID(local)]; !ok {
			missing = append(missing, local)
		}
	}
	if len(missing) > 0 {
		if err := binding.remove(ctx, missing); err != nil {
			return phaseResult{count: processed, err: err}
		}
		processed += len(missing)
		e.logger.Info("pruned records deleted remotely",
			zap.String("context", binding.context), zap.Int("count", len(missing)))
	}
	return phaseResult{count: processed}
}

// pendingDeletes returns the remote ids of table whose tombstones are still queued.
func (e *Engine) pendingDeletes(ctx context.Context, table string) (map[string]struct{}, error) {
	entries, err := e.tombstones.Drain(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Table == table {
			ids[entry.RemoteID] = struct{}{}
		}
	}
	return ids, nil
}

func (e *Engine) reconcileLists(ctx context.Context, userID string) phaseResult {
	return reconcile(ctx, e, entityBinding[localstore.List, remote.ListRecord]{
		context:  ContextLists,
		table:    localstore.TableLists,
		unsynced: e.local.UnsyncedLists,
		linked:   e.local.LinkedLists,
		localID:  func(list localstore.List) int64 { return list.ID },
		remoteID: func(list localstore.List) string { return *list.RemoteID },
		toRemote: func(list localstore.List) remote.ListRecord { return mapper.ToRemoteList(list, userID) },
		insert: func(ctx context.Context, record remote.ListRecord) (string, error) {
			stored, err := e.remote.InsertList(ctx, record)
			return stored.ID, err
		},
		update: e.remote.UpdateList,
		link:   e.local.LinkList,
		fetch: func(ctx context.Context) ([]remote.ListRecord, error) {
			return e.remote.ListLists(ctx, userID)
		},
		rowID: func(record remote.ListRecord) string { return record.ID },
		pull:  e.pullList,
		remove: func(ctx context.Context, lists []localstore.List) error {
			ids := make([]int64, 0, len(lists))
			for _, list := range lists {
				if err := e.local.ClearItemList(ctx, list.ID); err != nil {
					return err
				}
				ids = append(ids, list.ID)
			}
			return e.local.BulkDeleteLists(ctx, ids)
		},
	})
}

func (e *Engine) pullList(ctx context.Context, record remote.ListRecord) (bool, error) {
	existing, err := e.local.ListByRemoteID(ctx, record.ID)
	if err != nil {
		return false, err
	}
	mapped := mapper.ToLocalList(record)
	if existing == nil {
		return true, e.local.CreateList(ctx, &mapped)
	}
	if !record.ModifiedAt().After(existing.ModifiedAt()) {
		return false, nil
	}
	mapped.ID = existing.ID
	return true, e.local.SaveList(ctx, &mapped)
}

func (e *Engine) reconcileItems(ctx context.Context, userID string) phaseResult {
	lists, err := e.local.AllLists(ctx)
	if err != nil {
		return phaseResult{err: err}
	}
	index := mapper.NewListIndex(lists)

	return reconcile(ctx, e, entityBinding[localstore.Item, remote.ItemRecord]{
		context:  ContextItems,
		table:    localstore.TableItems,
		unsynced: e.local.UnsyncedItems,
		linked:   e.local.LinkedItems,
		localID:  func(item localstore.Item) int64 { return item.ID },
		remoteID: func(item localstore.Item) string { return *item.RemoteID },
		toRemote: func(item localstore.Item) remote.ItemRecord { return mapper.ToRemoteItem(item, userID, index) },
		insert: func(ctx context.Context, record remote.ItemRecord) (string, error) {
			stored, err := e.remote.InsertItem(ctx, record)
			return stored.ID, err
		},
		update: e.remote.UpdateItem,
		link:   e.local.LinkItem,
		fetch: func(ctx context.Context) ([]remote.ItemRecord, error) {
			return e.remote.ListItems(ctx, userID)
		},
		rowID: func(record remote.ItemRecord) string { return record.ID },
		pull: func(ctx context.Context, record remote.ItemRecord) (bool, error) {
			return e.pullItem(ctx, record, index)
		},
		remove: func(ctx context.Context, items []localstore.Item) error {
			ids := make([]int64, 0, len(items))
			for _, item := range items {
				ids = append(ids, item.ID)
			}
			return e.local.BulkDeleteItems(ctx, ids)
		},
	})
}

func (e *Engine) pullItem(ctx context.Context, record remote.ItemRecord, index mapper.ListIndex) (bool, error) {
	existing, err := e.local.ItemByRemoteID(ctx, record.ID)
	if err != nil {
		return false, err
	}
	mapped := mapper.ToLocalItem(record, index)

	if existing == nil {
		match, err := e.local.ItemByExternalSource(ctx, record.ExternalID, record.Source)
		if err != nil {
			return false, err
		}
		if match == nil {
			return true, e.local.CreateItem(ctx, &mapped)
		}
		if match.Linked() {
			e.logRecordFailure(ContextItems, "duplicate_external_identity", nil,
				zap.String("remote_id", record.ID), zap.String("linked_remote_id", *match.RemoteID))
			return false, nil
		}
		// A local copy of the same media exists but was never pushed: adopt the remote row.
		if err := e.local.LinkItem(ctx, match.ID, record.ID); err != nil {
			return false, err
		}
		remoteID := record.ID
		match.RemoteID = &remoteID
		existing = match
		if !record.UpdatedAt.After(existing.UpdatedAt) {
			return true, nil
		}
	} else if !record.UpdatedAt.After(existing.UpdatedAt) {
		return false, nil
	}

	mapped.ID = existing.ID
	return true, e.local.SaveItem(ctx, &mapped)
}
