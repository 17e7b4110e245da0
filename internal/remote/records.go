package remote

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// Remote table names.
const (
	TableItems = "items"
	TableLists = "lists"
)

// ItemRecord is the server-side row for an item, scoped by UserID.
// LocalID is informational only; ID is the sync key.
type ItemRecord struct {
	ID            string                      `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID        string                      `gorm:"column:user_id;size:190;not null;index:idx_remote_items_user;index:idx_remote_items_external,priority:1" json:"user_id"`
	LocalID       *int64                      `gorm:"column:local_id" json:"local_id,omitempty"`
	Title         string                      `gorm:"column:title;not null" json:"title"`
	Type          string                      `gorm:"column:type;size:16;not null" json:"type"`
	Status        string                      `gorm:"column:status;size:16;not null" json:"status"`
	Tags          datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags"`
	ListID        *string                     `gorm:"column:list_id;size:64;index:idx_remote_items_list" json:"list_id"`
	ExternalID    string                      `gorm:"column:external_id;size:190;index:idx_remote_items_external,priority:2" json:"external_id"`
	Source        string                      `gorm:"column:source;size:64;index:idx_remote_items_external,priority:3" json:"source"`
	Year          *int                        `gorm:"column:year" json:"year,omitempty"`
	PosterURL     string                      `gorm:"column:poster_url;size:512" json:"poster_url,omitempty"`
	Rating        *float64                    `gorm:"column:rating" json:"rating,omitempty"`
	Progress      *int                        `gorm:"column:progress" json:"progress,omitempty"`
	ProgressTotal *int                        `gorm:"column:progress_total" json:"progress_total,omitempty"`
	Notes         string                      `gorm:"column:notes;type:text" json:"notes,omitempty"`
	CompletedAt   *time.Time                  `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time                   `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRecord) TableName() string {
	return TableItems
}

// ListRecord is the server-side row for a list, scoped by UserID.
type ListRecord struct {
	ID          string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID      string     `gorm:"column:user_id;size:190;not null;index:idx_remote_lists_user" json:"user_id"`
	LocalID     *int64     `gorm:"column:local_id" json:"local_id,omitempty"`
	Name        string     `gorm:"column:name;not null" json:"name"`
	Icon        string     `gorm:"column:icon;size:64" json:"icon,omitempty"`
	Description string     `gorm:"column:description;type:text" json:"description,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt   *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (ListRecord) TableName() string {
	return TableLists
}

// ModifiedAt returns UpdatedAt, falling back to CreatedAt.
func (record ListRecord) ModifiedAt() time.Time {
	if record.UpdatedAt != nil {
		return *record.UpdatedAt
	}
	return record.CreatedAt
}

// Store is the remote multi-tenant backend as seen by the sync core.
// Every call is scoped to a single user.
type Store interface {
	ListItems(ctx context.Context, userID string) ([]ItemRecord, error)
	InsertItem(ctx context.Context, record ItemRecord) (ItemRecord, error)
	UpdateItem(ctx context.Context, record ItemRecord) error
	ListLists(ctx context.Context, userID string) ([]ListRecord, error)
	InsertList(ctx context.Context, record ListRecord) (ListRecord, error)
	UpdateList(ctx context.Context, record ListRecord) error
	Delete(ctx context.Context, table, id, userID string) error
}
