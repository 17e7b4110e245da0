// Package rows is the server-side store behind the REST API: per-user item and
// list rows with last-write-wins update guarding.
package rows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that no row with the id exists for the user.
	ErrNotFound = errors.New("row not found")
	// ErrStaleUpdate indicates that the stored row is newer than the update.
	ErrStaleUpdate = errors.New("stored row is newer")
	// ErrInvalidRow indicates a row missing required fields.
	ErrInvalidRow = errors.New("invalid row")
	// ErrUnknownTable indicates a table other than items/lists.
	ErrUnknownTable = errors.New("unknown table")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "rows.service.new"
	opListItems   = "rows.list_items"
	opInsertItem  = "rows.insert_item"
	opUpdateItem  = "rows.update_item"
	opListLists   = "rows.list_lists"
	opInsertList  = "rows.insert_list"
	opUpdateList  = "rows.update_list"
	opDeleteRow   = "rows.delete"
	reasonMissing = "missing_user_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ListItems returns every item row owned by userID, oldest first.
func (s *Service) ListItems(ctx context.Context, userID string) ([]remote.ItemRecord, error) {
	if userID == "" {
		return nil, newServiceError(opListItems, reasonMissing, errMissingUserID)
	}
	var records []remote.ItemRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListItems, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListItems, "query_failed", err)
	}
	return records, nil
}

// InsertItem stores record for userID under a fresh id.
func (s *Service) InsertItem(ctx context.Context, userID string, record remote.ItemRecord) (remote.ItemRecord, error) {
	if userID == "" {
		return remote.ItemRecord{}, newServiceError(opInsertItem, reasonMissing, errMissingUserID)
	}
	if err := validateItem(record); err != nil {
		return remote.ItemRecord{}, newServiceError(opInsertItem, "invalid_row", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsertItem, "id_generation_failed", err, zap.String("user_id", userID))
		return remote.ItemRecord{}, newServiceError(opInsertItem, "id_generation_failed", err)
	}
	record.ID = id
	record.UserID = userID
	record.CreatedAt, record.UpdatedAt = s.stamp(record.CreatedAt, record.UpdatedAt)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInsertItem, "insert_failed", err, zap.String("user_id", userID))
		return remote.ItemRecord{}, newServiceError(opInsertItem, "insert_failed", err)
	}
	return record, nil
}

// UpdateItem overwrites the row id with record unless the stored row is newer.
func (s *Service) UpdateItem(ctx context.Context, userID, id string, record remote.ItemRecord) error {
	if userID == "" {
		return newServiceError(opUpdateItem, reasonMissing, errMissingUserID)
	}
	if err := validateItem(record); err != nil {
		return newServiceError(opUpdateItem, "invalid_row", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing remote.ItemRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", id, userID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateItem, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opUpdateItem, "row_select_failed", err, zap.String("user_id", userID), zap.String("id", id))
			return newServiceError(opUpdateItem, "row_select_failed", err)
		}
		if !acceptUpdate(existing.UpdatedAt, record.UpdatedAt) {
			return newServiceError(opUpdateItem, "stale_update", ErrStaleUpdate)
		}
		record.ID = id
		record.UserID = userID
		if record.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		}
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opUpdateItem, "row_save_failed", err, zap.String("user_id", userID), zap.String("id", id))
			return newServiceError(opUpdateItem, "row_save_failed", err)
		}
		return nil
	})
}

// ListLists returns every list row owned by userID, oldest first.
func (s *Service) ListLists(ctx context.Context, userID string) ([]remote.ListRecord, error) {
	if userID == "" {
		return nil, newServiceError(opListLists, reasonMissing, errMissingUserID)
	}
	var records []remote.ListRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListLists, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListLists, "query_failed", err)
	}
	return records, nil
}

// InsertList stores record for userID under a fresh id.
func (s *Service) InsertList(ctx context.Context, userID string, record remote.ListRecord) (remote.ListRecord, error) {
	if userID == "" {
		return remote.ListRecord{}, newServiceError(opInsertList, reasonMissing, errMissingUserID)
	}
	if strings.TrimSpace(record.Name) == "" {
		return remote.ListRecord{}, newServiceError(opInsertList, "invalid_row", fmt.Errorf("%w: name required", ErrInvalidRow))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsertList, "id_generation_failed", err, zap.String("user_id", userID))
		return remote.ListRecord{}, newServiceError(opInsertList, "id_generation_failed", err)
	}
	record.ID = id
	record.UserID = userID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInsertList, "insert_failed", err, zap.String("user_id", userID))
		return remote.ListRecord{}, newServiceError(opInsertList, "insert_failed", err)
	}
	return record, nil
}

// UpdateList overwrites the row id with record unless the stored row is newer.
func (s *Service) UpdateList(ctx context.Context, userID, id string, record remote.ListRecord) error {
	if userID == "" {
		return newServiceError(opUpdateList, reasonMissing, errMissingUserID)
	}
	if strings.TrimSpace(record.Name) == "" {
		return newServiceError(opUpdateList, "invalid_row", fmt.Errorf("%w: name required", ErrInvalidRow))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing remote.ListRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", id, userID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateList, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opUpdateList, "row_select_failed", err, zap.String("user_id", userID), zap.String("id", id))
			return newServiceError(opUpdateList, "row_select_failed", err)
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		}
		stored := listModifiedAt(existing.UpdatedAt, existing.CreatedAt)
		incoming := listModifiedAt(record.UpdatedAt, record.CreatedAt)
		if !acceptUpdate(stored, incoming) {
			return newServiceError(opUpdateList, "stale_update", ErrStaleUpdate)
		}
		record.ID = id
		record.UserID = userID
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opUpdateList, "row_save_failed", err, zap.String("user_id", userID), zap.String("id", id))
			return newServiceError(opUpdateList, "row_save_failed", err)
		}
		return nil
	})
}

// Delete removes the row id from table for userID. Absent rows are not an error.
func (s *Service) Delete(ctx context.Context, userID, table, id string) error {
	if userID == "" {
		return newServiceError(opDeleteRow, reasonMissing, errMissingUserID)
	}
	var model any
	switch table {
	case remote.TableItems:
		model = &remote.ItemRecord{}
	case remote.TableLists:
		model = &remote.ListRecord{}
	default:
		return newServiceError(opDeleteRow, "unknown_table", fmt.Errorf("%w: %q", ErrUnknownTable, table))
	}
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(model).Error; err != nil {
		s.logError(opDeleteRow, "delete_failed", err, zap.String("user_id", userID), zap.String("table", table), zap.String("id", id))
		return newServiceError(opDeleteRow, "delete_failed", err)
	}
	return nil
}

func (s *Service) stamp(createdAt, updatedAt time.Time) (time.Time, time.Time) {
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return createdAt, updatedAt
}

func validateItem(record remote.ItemRecord) error {
	switch {
	case strings.TrimSpace(record.Title) == "":
		return fmt.Errorf("%w: title required", ErrInvalidRow)
	case strings.TrimSpace(record.Type) == "":
		return fmt.Errorf("%w: type required", ErrInvalidRow)
	case strings.TrimSpace(record.Status) == "":
		return fmt.Errorf("%w: status required", ErrInvalidRow)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("rows service error", attrs...)
}
