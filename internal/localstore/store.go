package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("localstore: database handle is required")

// Store is the typed adapter over the embedded local database.
type Store struct {
	db *gorm.DB
}

// New wraps an opened, migrated database handle.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for collaborators sharing the same database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// CreateItem inserts a new item and assigns its local id.
func (s *Store) CreateItem(ctx context.Context, item *Item) error {
	item.ID = 0
	if err := s.conn(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("localstore: create item: %w", err)
	}
	return nil
}

// SaveItem upserts by primary key: insert-and-assign when ID is zero, full overwrite otherwise.
func (s *Store) SaveItem(ctx context.Context, item *Item) error {
	if err := s.conn(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("localstore: save item %d: %w", item.ID, err)
	}
	return nil
}

// GetItem returns the item with the given local id or ErrNotFound.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.conn(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: get item %d: %w", id, err)
	}
	return &item, nil
}

// UpdateItem loads the item, applies mutate and writes the full record back.
func (s *Store) UpdateItem(ctx context.Context, id int64, mutate func(*Item)) (*Item, error) {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(item)
	item.ID = id
	if err := s.SaveItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteItem removes a single item.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	if err := s.conn(ctx).Where("id = ?", id).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("localstore: delete item %d: %w", id, err)
	}
	return nil
}

// BulkDeleteItems removes every item in ids.
func (s *Store) BulkDeleteItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.conn(ctx).Where("id IN ?", ids).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("localstore: bulk delete items: %w", err)
	}
	return nil
}

// ClearItems removes every item.
func (s *Store) ClearItems(ctx context.Context) error {
	if err := s.conn(ctx).Where("1 = 1").Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("localstore: clear items: %w", err)
	}
	return nil
}

// ClearItemList detaches every item from listID without touching updated_at.
func (s *Store) ClearItemList(ctx context.Context, listID int64) error {
	err := s.conn(ctx).Model(&Item{}).Where("list_id = ?", listID).UpdateColumn("list_id", nil).Error
	if err != nil {
		return fmt.Errorf("localstore: detach items from list %d: %w", listID, err)
	}
	return nil
}

// LinkItem writes the remote id assigned on first push.
func (s *Store) LinkItem(ctx context.Context, id int64, remoteID string) error {
	err := s.conn(ctx).Model(&Item{}).Where("id = ?", id).UpdateColumn("remote_id", remoteID).Error
	if err != nil {
		return fmt.Errorf("localstore: link item %d: %w", id, err)
	}
	return nil
}

// ItemByRemoteID returns the item linked to remoteID, or nil.
func (s *Store) ItemByRemoteID(ctx context.Context, remoteID string) (*Item, error) {
	return s.firstItem(ctx, "remote_id = ?", remoteID)
}

// ItemByExternalSource returns the item with the given externalId+source pair, or nil.
func (s *Store) ItemByExternalSource(ctx context.Context, externalID, source string) (*Item, error) {
	if DedupKey(externalID, source) == nil {
		return nil, nil
	}
	return s.firstItem(ctx, "external_id = ? AND source = ?", externalID, source)
}

func (s *Store) firstItem(ctx context.Context, query string, args ...any) (*Item, error) {
	var items []Item
	if err := s.conn(ctx).Where(query, args...).Limit(1).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("localstore: item lookup: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// ItemsByList returns items belonging to a local list.
func (s *Store) ItemsByList(ctx context.Context, listID int64) ([]Item, error) {
	return s.findItems(ctx, "list_id = ?", listID)
}

// AllItems returns every item ordered by local id.
func (s *Store) AllItems(ctx context.Context) ([]Item, error) {
	return s.findItems(ctx, "1 = 1")
}

// UnsyncedItems returns items that were never pushed.
func (s *Store) UnsyncedItems(ctx context.Context) ([]Item, error) {
	return s.findItems(ctx, "remote_id IS NULL OR remote_id = ''")
}

// LinkedItems returns items that carry a remote id.
func (s *Store) LinkedItems(ctx context.Context) ([]Item, error) {
	return s.findItems(ctx, "remote_id IS NOT NULL AND remote_id <> ''")
}

func (s *Store) findItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	var items []Item
	if err := s.conn(ctx).Where(query, args...).Order("id ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("localstore: item query: %w", err)
	}
	return items, nil
}

// CountItems returns the number of items.
func (s *Store) CountItems(ctx context.Context) (int64, error) {
	return s.count(ctx, &Item{}, "1 = 1")
}

// CountUnsyncedItems returns the number of items without a remote id.
func (s *Store) CountUnsyncedItems(ctx context.Context) (int64, error) {
	return s.count(ctx, &Item{}, "remote_id IS NULL OR remote_id = ''")
}

func (s *Store) count(ctx context.Context, model any, query string, args ...any) (int64, error) {
	var total int64
	if err := s.conn(ctx).Model(model).Where(query, args...).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("localstore: count: %w", err)
	}
	return total, nil
}

// CreateList inserts a new list and assigns its local id.
func (s *Store) CreateList(ctx context.Context, list *List) error {
	list.ID = 0
	if err := s.conn(ctx).Create(list).Error; err != nil {
		return fmt.Errorf("localstore: create list: %w", err)
	}
	return nil
}

// SaveList upserts by primary key.
func (s *Store) SaveList(ctx context.Context, list *List) error {
	if err := s.conn(ctx).Save(list).Error; err != nil {
		return fmt.Errorf("localstore: save list %d: %w", list.ID, err)
	}
	return nil
}

// GetList returns the list with the given local id or ErrNotFound.
func (s *Store) GetList(ctx context.Context, id int64) (*List, error) {
	var list List
	err := s.conn(ctx).Where("id = ?", id).Take(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: get list %d: %w", id, err)
	}
	return &list, nil
}

// UpdateList loads the list, applies mutate and writes the full record back.
func (s *Store) UpdateList(ctx context.Context, id int64, mutate func(*List)) (*List, error) {
	list, err := s.GetList(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(list)
	list.ID = id
	if err := s.SaveList(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteList removes a single list. Member items are left untouched.
func (s *Store) DeleteList(ctx context.Context, id int64) error {
	if err := s.conn(ctx).Where("id = ?", id).Delete(&List{}).Error; err != nil {
		return fmt.Errorf("localstore: delete list %d: %w", id, err)
	}
	return nil
}

// BulkDeleteLists removes every list in ids.
func (s *Store) BulkDeleteLists(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.conn(ctx).Where("id IN ?", ids).Delete(&List{}).Error; err != nil {
		return fmt.Errorf("localstore: bulk delete lists: %w", err)
	}
	return nil
}

// ClearLists removes every list.
func (s *Store) ClearLists(ctx context.Context) error {
	if err := s.conn(ctx).Where("1 = 1").Delete(&List{}).Error; err != nil {
		return fmt.Errorf("localstore: clear lists: %w", err)
	}
	return nil
}

// LinkList writes the remote id assigned on first push or by a name match.
func (s *Store) LinkList(ctx context.Context, id int64, remoteID string) error {
	err := s.conn(ctx).Model(&List{}).Where("id = ?", id).UpdateColumn("remote_id", remoteID).Error
	if err != nil {
		return fmt.Errorf("localstore: link list %d: %w", id, err)
	}
	return nil
}

// ListByRemoteID returns the list linked to remoteID, or nil.
func (s *Store) ListByRemoteID(ctx context.Context, remoteID string) (*List, error) {
	var lists []List
	if err := s.conn(ctx).Where("remote_id = ?", remoteID).Limit(1).Find(&lists).Error; err != nil {
		return nil, fmt.Errorf("localstore: list lookup: %w", err)
	}
	if len(lists) == 0 {
		return nil, nil
	}
	return &lists[0], nil
}

// AllLists returns every list ordered by local id.
func (s *Store) AllLists(ctx context.Context) ([]List, error) {
	return s.findLists(ctx, "1 = 1")
}

// UnsyncedLists returns lists that were never pushed.
func (s *Store) UnsyncedLists(ctx context.Context) ([]List, error) {
	return s.findLists(ctx, "remote_id IS NULL OR remote_id = ''")
}

// LinkedLists returns lists that carry a remote id.
func (s *Store) LinkedLists(ctx context.Context) ([]List, error) {
	return s.findLists(ctx, "remote_id IS NOT NULL AND remote_id <> ''")
}

func (s *Store) findLists(ctx context.Context, query string, args ...any) ([]List, error) {
	var lists []List
	if err := s.conn(ctx).Where(query, args...).Order("id ASC").Find(&lists).Error; err != nil {
		return nil, fmt.Errorf("localstore: list query: %w", err)
	}
	return lists, nil
}

// CountUnsyncedLists returns the number of lists without a remote id.
func (s *Store) CountUnsyncedLists(ctx context.Context) (int64, error) {
	return s.count(ctx, &List{}, "remote_id IS NULL OR remote_id = ''")
}

// GetSetting returns the stored value and whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var settings []Setting
	if err := s.conn(ctx).Where(map[string]any{"key": key}).Limit(1).Find(&settings).Error; err != nil {
		return "", false, fmt.Errorf("localstore: get setting %s: %w", key, err)
	}
	if len(settings) == 0 {
		return "", false, nil
	}
	return settings[0].Value, true, nil
}

// PutSetting upserts a setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&Setting{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("localstore: put setting %s: %w", key, err)
	}
	return nil
}

// PutCache upserts a cache entry stamped with fetchedAt.
func (s *Store) PutCache(ctx context.Context, key, value string, fetchedAt time.Time) error {
	entry := CacheEntry{Key: key, Value: value, Timestamp: fetchedAt.UTC()}
	if err := s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("localstore: put cache %s: %w", key, err)
	}
	return nil
}

// GetCache returns a cache entry, or nil when absent.
func (s *Store) GetCache(ctx context.Context, key string) (*CacheEntry, error) {
	var entries []CacheEntry
	if err := s.conn(ctx).Where(map[string]any{"key": key}).Limit(1).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("localstore: get cache %s: %w", key, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// PruneCache removes entries fetched before cutoff and returns how many were removed.
func (s *Store) PruneCache(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.conn(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("localstore: prune cache: %w", result.Error)
	}
	return result.RowsAffected, nil
}
