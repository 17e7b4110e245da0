// Package mapper converts between local records and remote rows. It is the only
// place that knows both shapes.
package mapper

import (
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"gorm.io/datatypes"
)

// ListIndex cross-references local list ids and remote list ids.
type ListIndex struct {
	remoteByLocal map[int64]string
	localByRemote map[string]int64
}

// NewListIndex indexes the linked lists among lists.
func NewListIndex(lists []localstore.List) ListIndex {
	index := ListIndex{
		remoteByLocal: make(map[int64]string, len(lists)),
		localByRemote: make(map[string]int64, len(lists)),
	}
	for _, list := range lists {
		if !list.Linked() {
			continue
		}
		index.remoteByLocal[list.ID] = *list.RemoteID
		index.localByRemote[*list.RemoteID] = list.ID
	}
	return index
}

// RemoteID returns the remote id of a local list, if it has been pushed.
func (index ListIndex) RemoteID(localID int64) (string, bool) {
	remoteID, ok := index.remoteByLocal[localID]
	return remoteID, ok
}

// LocalID returns the local id of the list linked to remoteID, if pulled.
func (index ListIndex) LocalID(remoteID string) (int64, bool) {
	localID, ok := index.localByRemote[remoteID]
	return localID, ok
}

// ToRemoteItem maps a local item to its remote row for userID. An item whose
// list has not been pushed yet is sent without list_id.
func ToRemoteItem(item localstore.Item, userID string, lists ListIndex) remote.ItemRecord {
	record := remote.ItemRecord{
		UserID:        userID,
		LocalID:       int64Ptr(item.ID),
		Title:         item.Title,
		Type:          string(item.Type),
		Status:        string(item.Status),
		Tags:          copyTags(item.Tags),
		ExternalID:    item.ExternalID,
		Source:        item.Source,
		Year:          item.Year,
		PosterURL:     item.PosterURL,
		Rating:        item.Rating,
		Progress:      item.Progress,
		ProgressTotal: item.ProgressTotal,
		Notes:         item.Notes,
		CompletedAt:   utcPtr(item.CompletedAt),
		CreatedAt:     item.CreatedAt.UTC(),
		UpdatedAt:     item.UpdatedAt.UTC(),
	}
	if item.Linked() {
		record.ID = *item.RemoteID
	}
	if item.ListID != nil {
		if remoteListID, ok := lists.RemoteID(*item.ListID); ok {
			record.ListID = &remoteListID
		}
	}
	return record
}

// ToLocalItem maps a remote row to a local item without a local id; the caller
// decides which local record it lands on. A list_id that is not pulled yet maps to no list.
func ToLocalItem(record remote.ItemRecord, lists ListIndex) localstore.Item {
	item := localstore.Item{
		RemoteID:      stringPtr(record.ID),
		Title:         record.Title,
		Type:          itemType(record.Type),
		Status:        itemStatus(record.Status),
		Tags:          copyTags(record.Tags),
		ExternalID:    record.ExternalID,
		Source:        record.Source,
		Year:          record.Year,
		PosterURL:     record.PosterURL,
		Rating:        record.Rating,
		Progress:      record.Progress,
		ProgressTotal: record.ProgressTotal,
		Notes:         record.Notes,
		CompletedAt:   utcPtr(record.CompletedAt),
		CreatedAt:     record.CreatedAt.UTC(),
		UpdatedAt:     record.UpdatedAt.UTC(),
	}
	if record.ListID != nil {
		if localListID, ok := lists.LocalID(*record.ListID); ok {
			item.ListID = int64Ptr(localListID)
		}
	}
	return item
}

// ToRemoteList maps a local list to its remote row for userID.
func ToRemoteList(list localstore.List, userID string) remote.ListRecord {
	record := remote.ListRecord{
		UserID:      userID,
		LocalID:     int64Ptr(list.ID),
		Name:        list.Name,
		Icon:        list.Icon,
		Description: list.Description,
		CreatedAt:   list.CreatedAt.UTC(),
		UpdatedAt:   utcPtr(list.UpdatedAt),
	}
	if list.Linked() {
		record.ID = *list.RemoteID
	}
	return record
}

// ToLocalList maps a remote row to a local list without a local id.
func ToLocalList(record remote.ListRecord) localstore.List {
	return localstore.List{
		RemoteID:    stringPtr(record.ID),
		Name:        record.Name,
		Icon:        record.Icon,
		Description: record.Description,
		CreatedAt:   record.CreatedAt.UTC(),
		UpdatedAt:   utcPtr(record.UpdatedAt),
	}
}

func itemType(raw string) localstore.ItemType {
	value, err := localstore.ParseItemType(raw)
	if err != nil {
		return localstore.ItemTypeOther
	}
	return value
}

func itemStatus(raw string) localstore.ItemStatus {
	value, err := localstore.ParseItemStatus(raw)
	if err != nil {
		return localstore.ItemStatusPlanned
	}
	return value
}

func copyTags(tags []string) datatypes.JSONSlice[string] {
	if tags == nil {
		return datatypes.JSONSlice[string]{}
	}
	return slices.Clone(tags)
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func int64Ptr(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
