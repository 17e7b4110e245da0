// Package library is the user-facing CRUD surface over the local store. Every
// mutation is local first; linked deletions leave a tombstone and every change
// schedules an auto-sync.
package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/tombstone"
	"go.uber.org/zap"
)

var (
	// ErrMissingTitle indicates an item without a title.
	ErrMissingTitle = errors.New("library: title required")
	// ErrMissingName indicates a list without a name.
	ErrMissingName = errors.New("library: list name required")

	errMissingLocalStore = errors.New("library: local store is required")
	errMissingTombstones = errors.New("library: tombstone tracker is required")
)

// Trigger schedules a debounced sync.
type Trigger interface {
	Trigger()
}

type noopTrigger struct{}

func (noopTrigger) Trigger() {}

// Config wires a Library.
type Config struct {
	Local      *localstore.Store
	Tombstones *tombstone.Tracker
	AutoSync   Trigger
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Library mutates local records on behalf of the user.
type Library struct {
	local      *localstore.Store
	tombstones *tombstone.Tracker
	autoSync   Trigger
	clock      func() time.Time
	logger     *zap.Logger
}

// New validates cfg. Without AutoSync, mutations do not schedule syncs.
func New(cfg Config) (*Library, error) {
	if cfg.Local == nil {
		return nil, errMissingLocalStore
	}
	if cfg.Tombstones == nil {
		return nil, errMissingTombstones
	}
	autoSync := cfg.AutoSync
	if autoSync == nil {
		autoSync = noopTrigger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		local:      cfg.Local,
		tombstones: cfg.Tombstones,
		autoSync:   autoSync,
		clock:      clock,
		logger:     logger,
	}, nil
}

// NewItem carries the fields accepted when adding an item.
type NewItem struct {
	Title         string
	Type          string
	Status        string
	Tags          []string
	ListID        *int64
	ExternalID    string
	Source        string
	Year          *int
	PosterURL     string
	Rating        *float64
	Progress      *int
	ProgressTotal *int
	Notes         string
}

// ItemPatch carries optional field changes. Nil fields are left alone.
type ItemPatch struct {
	Title         *string
	Status        *string
	Tags          *[]string
	ListID        **int64
	Rating        *float64
	Progress      *int
	ProgressTotal *int
	Notes         *string
}

func (l *Library) now() time.Time {
	return l.clock().UTC()
}

func (l *Library) buildItem(input NewItem) (*localstore.Item, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, ErrMissingTitle
	}
	itemType := localstore.ItemTypeOther
	if strings.TrimSpace(input.Type) != "" {
		parsed, err := localstore.ParseItemType(input.Type)
		if err != nil {
			return nil, err
		}
		itemType = parsed
	}
	status := localstore.ItemStatusPlanned
	if strings.TrimSpace(input.Status) != "" {
		parsed, err := localstore.ParseItemStatus(input.Status)
		if err != nil {
			return nil, err
		}
		status = parsed
	}
	now := l.now()
	item := &localstore.Item{
		Title:         title,
		Type:          itemType,
		Status:        status,
		Tags:          append([]string{}, input.Tags...),
		ListID:        input.ListID,
		ExternalID:    strings.TrimSpace(input.ExternalID),
		Source:        strings.TrimSpace(input.Source),
		Year:          input.Year,
		PosterURL:     input.PosterURL,
		Rating:        input.Rating,
		Progress:      input.Progress,
		ProgressTotal: input.ProgressTotal,
		Notes:         input.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status == localstore.ItemStatusCompleted {
		item.CompletedAt = &now
	}
	return item, nil
}

// AddItem stores a new item. When an item with the same externalId+source
// exists it is returned unchanged and created is false.
func (l *Library) AddItem(ctx context.Context, input NewItem) (*localstore.Item, bool, error) {
	item, err := l.buildItem(input)
	if err != nil {
		return nil, false, err
	}
	existing, err := l.local.ItemByExternalSource(ctx, item.ExternalID, item.Source)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if err := l.local.CreateItem(ctx, item); err != nil {
		return nil, false, err
	}
	l.autoSync.Trigger()
	return item, true, nil
}

// BulkAddPlannedItems adds every input as planned, skipping any whose
// externalId+source already exists locally or earlier in the batch.
func (l *Library) BulkAddPlannedItems(ctx context.Context, inputs []NewItem) (int, error) {
	seen := make(map[string]struct{}, len(inputs))
	added := 0
	for _, input := range inputs {
		input.Status = string(localstore.ItemStatusPlanned)
		item, err := l.buildItem(input)
		if err != nil {
			return added, err
		}
		if key := localstore.DedupKey(item.ExternalID, item.Source); key != nil {
			if _, dup := seen[*key]; dup {
				continue
			}
			seen[*key] = struct{}{}
			existing, err := l.local.ItemByExternalSource(ctx, item.ExternalID, item.Source)
			if err != nil {
				return added, err
			}
			if existing != nil {
				continue
			}
		}
		if err := l.local.CreateItem(ctx, item); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		l.autoSync.Trigger()
	}
	return added, nil
}

// UpdateItem applies patch and bumps updatedAt.
func (l *Library) UpdateItem(ctx context.Context, id int64, patch ItemPatch) (*localstore.Item, error) {
	var status localstore.ItemStatus
	if patch.Status != nil {
		parsed, err := localstore.ParseItemStatus(*patch.Status)
		if err != nil {
			return nil, err
		}
		status = parsed
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, ErrMissingTitle
	}

	now := l.now()
	item, err := l.local.UpdateItem(ctx, id, func(item *localstore.Item) {
		if patch.Title != nil {
			item.Title = strings.TrimSpace(*patch.Title)
		}
		if status != "" && status != item.Status {
			item.Status = status
			if status == localstore.ItemStatusCompleted {
				item.CompletedAt = &now
			} else {
				item.CompletedAt = nil
			}
		}
		if patch.Tags != nil {
			item.Tags = append([]string{}, (*patch.Tags)...)
		}
		if patch.ListID != nil {
			item.ListID = *patch.ListID
		}
		if patch.Rating != nil {
			item.Rating = patch.Rating
		}
		if patch.Progress != nil {
			item.Progress = patch.Progress
		}
		if patch.ProgressTotal != nil {
			item.ProgressTotal = patch.ProgressTotal
		}
		if patch.Notes != nil {
			item.Notes = *patch.Notes
		}
		item.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}
	l.autoSync.Trigger()
	return item, nil
}

// DeleteItem removes an item, leaving a tombstone when it was ever pushed.
func (l *Library) DeleteItem(ctx context.Context, id int64) error {
	item, err := l.local.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Linked() {
		if err := l.tombstones.Record(ctx, *item.RemoteID, localstore.TableItems, l.now()); err != nil {
			return err
		}
	}
	if err := l.local.DeleteItem(ctx, id); err != nil {
		return err
	}
	l.autoSync.Trigger()
	return nil
}

// CreateList stores a new list.
func (l *Library) CreateList(ctx context.Context, name, icon, description string) (*localstore.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrMissingName
	}
	list := &localstore.List{Name: name, Icon: icon, Description: description, CreatedAt: l.now()}
	if err := l.local.CreateList(ctx, list); err != nil {
		return nil, err
	}
	l.autoSync.Trigger()
	return list, nil
}

// RenameList changes a list's name and bumps updatedAt.
func (l *Library) RenameList(ctx context.Context, id int64, name string) (*localstore.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrMissingName
	}
	now := l.now()
	list, err := l.local.UpdateList(ctx, id, func(list *localstore.List) {
		list.Name = name
		list.UpdatedAt = &now
	})
	if err != nil {
		return nil, err
	}
	l.autoSync.Trigger()
	return list, nil
}

// DeleteList removes a list and moves its items out of it.
func (l *Library) DeleteList(ctx context.Context, id int64) error {
	list, err := l.local.GetList(ctx, id)
	if err != nil {
		return err
	}
	members, err := l.local.ItemsByList(ctx, id)
	if err != nil {
		return err
	}
	now := l.now()
	for _, member := range members {
		if _, err := l.local.UpdateItem(ctx, member.ID, func(item *localstore.Item) {
			item.ListID = nil
			item.UpdatedAt = now
		}); err != nil {
			return fmt.Errorf("library: detach item %d: %w", member.ID, err)
		}
	}
	if list.Linked() {
		if err := l.tombstones.Record(ctx, *list.RemoteID, localstore.TableLists, now); err != nil {
			return err
		}
	}
	if err := l.local.DeleteList(ctx, id); err != nil {
		return err
	}
	l.logger.Debug("list deleted", zap.Int64("list_id", id), zap.Int("detached_items", len(members)))
	l.autoSync.Trigger()
	return nil
}

// Items returns every item, or only the members of listID when set.
func (l *Library) Items(ctx context.Context, listID *int64) ([]localstore.Item, error) {
	if listID != nil {
		return l.local.ItemsByList(ctx, *listID)
	}
	return l.local.AllItems(ctx)
}

// Lists returns every list.
func (l *Library) Lists(ctx context.Context) ([]localstore.List, error) {
	return l.local.AllLists(ctx)
}
