package localstore

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ItemType enumerates the media kinds tracked by the library.
type ItemType string

const (
	ItemTypeMovie ItemType = "movie"
	ItemTypeShow  ItemType = "show"
	ItemTypeGame  ItemType = "game"
	ItemTypeBook  ItemType = "book"
	ItemTypeOther ItemType = "other"
)

// ItemStatus enumerates the progress states of an item.
type ItemStatus string

const (
	ItemStatusPlanned    ItemStatus = "planned"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusDropped    ItemStatus = "dropped"
)

// Table names shared with the remote store and the tombstone log.
const (
	TableItems = "items"
	TableLists = "lists"
)

var (
	// ErrNotFound indicates that a point lookup by primary key matched nothing.
	ErrNotFound = errors.New("localstore: record not found")
	// ErrInvalidItemType indicates an item type outside the supported enum.
	ErrInvalidItemType = errors.New("localstore: invalid item type")
	// ErrInvalidItemStatus indicates an item status outside the supported enum.
	ErrInvalidItemStatus = errors.New("localstore: invalid item status")
)

// ParseItemType validates raw input against the supported item types.
func ParseItemType(raw string) (ItemType, error) {
	switch value := ItemType(strings.ToLower(strings.TrimSpace(raw))); value {
	case ItemTypeMovie, ItemTypeShow, ItemTypeGame, ItemTypeBook, ItemTypeOther:
		return value, nil
	default:
		return "", ErrInvalidItemType
	}
}

// ParseItemStatus validates raw input against the supported item statuses.
func ParseItemStatus(raw string) (ItemStatus, error) {
	switch value := ItemStatus(strings.ToLower(strings.TrimSpace(raw))); value {
	case ItemStatusPlanned, ItemStatusInProgress, ItemStatusCompleted, ItemStatusDropped:
		return value, nil
	default:
		return "", ErrInvalidItemStatus
	}
}

// Item is a tracked movie, show, game or book.
// RemoteID is set once the item has been pushed and must only be updated remotely afterwards.
type Item struct {
	ID            int64                       `gorm:"column:id;primaryKey;autoIncrement"`
	RemoteID      *string                     `gorm:"column:remote_id;size:64;uniqueIndex:idx_items_remote_id"`
	Title         string                      `gorm:"column:title;not null"`
	Type          ItemType                    `gorm:"column:type;size:16;not null"`
	Status        ItemStatus                  `gorm:"column:status;size:16;not null"`
	Tags          datatypes.JSONSlice[string] `gorm:"column:tags"`
	ListID        *int64                      `gorm:"column:list_id;index:idx_items_list_id"`
	ExternalID    string                      `gorm:"column:external_id;size:190;index:idx_items_external_id;index:idx_items_external_source,priority:1"`
	Source        string                      `gorm:"column:source;size:64;index:idx_items_external_source,priority:2"`
	DedupKey      *string                     `gorm:"column:dedup_key;size:260;uniqueIndex:idx_items_dedup_key"`
	Year          *int                        `gorm:"column:year"`
	PosterURL     string                      `gorm:"column:poster_url;size:512"`
	Rating        *float64                    `gorm:"column:rating"`
	Progress      *int                        `gorm:"column:progress"`
	ProgressTotal *int                        `gorm:"column:progress_total"`
	Notes         string                      `gorm:"column:notes;type:text"`
	CompletedAt   *time.Time                  `gorm:"column:completed_at"`
	CreatedAt     time.Time                   `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return TableItems
}

// BeforeSave keeps the derived dedup key in step with externalId+source.
func (item *Item) BeforeSave(_ *gorm.DB) error {
	item.DedupKey = DedupKey(item.ExternalID, item.Source)
	if item.Tags == nil {
		item.Tags = datatypes.JSONSlice[string]{}
	}
	return nil
}

// Linked reports whether the item has been pushed at least once.
func (item Item) Linked() bool {
	return item.RemoteID != nil && *item.RemoteID != ""
}

// DedupKey derives the indexed "externalId|source" key. Items without an
// external identity have no key and are never deduplicated.
func DedupKey(externalID, source string) *string {
	externalID = strings.TrimSpace(externalID)
	source = strings.TrimSpace(source)
	if externalID == "" || source == "" {
		return nil
	}
	key := externalID + "|" + source
	return &key
}

// List groups items under a user-chosen name.
type List struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RemoteID    *string    `gorm:"column:remote_id;size:64;uniqueIndex:idx_lists_remote_id"`
	Name        string     `gorm:"column:name;not null;index:idx_lists_name"`
	Icon        string     `gorm:"column:icon;size:64"`
	Description string     `gorm:"column:description;type:text"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt   *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (List) TableName() string {
	return TableLists
}

// Linked reports whether the list has been pushed at least once.
func (list List) Linked() bool {
	return list.RemoteID != nil && *list.RemoteID != ""
}

// ModifiedAt returns UpdatedAt, falling back to CreatedAt for never-edited lists.
func (list List) ModifiedAt() time.Time {
	if list.UpdatedAt != nil {
		return *list.UpdatedAt
	}
	return list.CreatedAt
}

// Setting is a small key/value preference.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey;size:190"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}

// CacheEntry stores a fetched payload (metadata lookups) with its fetch time.
type CacheEntry struct {
	Key       string    `gorm:"column:key;primaryKey;size:190"`
	Value     string    `gorm:"column:value;type:text;not null"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_cache_timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (CacheEntry) TableName() string {
	return "cache"
}

// Tombstone records the deletion of a record that was visible remotely.
type Tombstone struct {
	RemoteID  string    `gorm:"column:id;primaryKey;size:64"`
	Table     string    `gorm:"column:table;primaryKey;size:16;index:idx_deleted_table"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_deleted_timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "deleted_metadata"
}

// Models lists every table owned by the local store, in migration order.
func Models() []any {
	return []any{&List{}, &Item{}, &Setting{}, &CacheEntry{}, &Tombstone{}}
}
