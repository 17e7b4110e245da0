// Package tombstone keeps the append-only log of remotely visible records
// deleted while offline. Entries are drained by the sync engine and removed
// only after the remote delete is confirmed.
package tombstone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("tombstone: database handle is required")
	// ErrInvalidTable indicates a table outside items/lists.
	ErrInvalidTable = errors.New("tombstone: invalid table")
	// ErrMissingRemoteID indicates an empty remote identifier.
	ErrMissingRemoteID = errors.New("tombstone: remote id required")
)

// Tracker records and drains tombstones in the deleted_metadata table.
type Tracker struct {
	db *gorm.DB
}

// NewTracker wraps the local database handle.
func NewTracker(db *gorm.DB) (*Tracker, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Tracker{db: db}, nil
}

// Record appends a tombstone. Recording the same id+table again keeps a single
// entry carrying the latest timestamp.
func (t *Tracker) Record(ctx context.Context, remoteID, table string, now time.Time) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return ErrMissingRemoteID
	}
	if table != localstore.TableItems && table != localstore.TableLists {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	entry := localstore.Tombstone{RemoteID: remoteID, Table: table, Timestamp: now.UTC()}
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("tombstone: record %s/%s: %w", table, remoteID, err)
	}
	return nil
}

// Drain returns every pending tombstone, oldest first, without removing them.
func (t *Tracker) Drain(ctx context.Context) ([]localstore.Tombstone, error) {
	var entries []localstore.Tombstone
	if err := t.db.WithContext(ctx).Order("timestamp ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("tombstone: drain: %w", err)
	}
	return entries, nil
}

// Remove deletes a tombstone after its remote delete succeeded.
func (t *Tracker) Remove(ctx context.Context, remoteID, table string) error {
	err := t.db.WithContext(ctx).
		Where(map[string]any{"id": remoteID, "table": table}).
		Delete(&localstore.Tombstone{}).Error
	if err != nil {
		return fmt.Errorf("tombstone: remove %s/%s: %w", table, remoteID, err)
	}
	return nil
}

// Pending returns the number of tombstones awaiting a remote delete.
func (t *Tracker) Pending(ctx context.Context) (int64, error) {
	var total int64
	if err := t.db.WithContext(ctx).Model(&localstore.Tombstone{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("tombstone: count: %w", err)
	}
	return total, nil
}

// Clear drops every tombstone. Used when guest data is replaced wholesale.
func (t *Tracker) Clear(ctx context.Context) error {
	if err := t.db.WithContext(ctx).Where("1 = 1").Delete(&localstore.Tombstone{}).Error; err != nil {
		return fmt.Errorf("tombstone: clear: %w", err)
	}
	return nil
}
