// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
)

// Call names accepted by FailOn.
const (
	CallListItems  = "ListItems"
	CallInsertItem = "InsertItem"
	CallUpdateItem = "UpdateItem"
	CallListLists  = "ListLists"
	CallInsertList = "InsertList"
	CallUpdateList = "UpdateList"
	CallDelete     = "Delete"
)

// Store keeps rows in maps and mirrors the HTTP server's rules: rows are scoped
// per user, updates older than the stored row fail with remote.ErrStaleUpdate and
// deleting an absent row succeeds.
type Store struct {
	mu       sync.Mutex
	items    map[string]remote.ItemRecord
	lists    map[string]remote.ListRecord
	sequence int
	failures map[string]error
	calls    map[string]int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		items:    make(map[string]remote.ItemRecord),
		lists:    make(map[string]remote.ListRecord),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailOn makes every subsequent call named call return err. A nil err clears it.
func (s *Store) FailOn(call string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, call)
		return
	}
	s.failures[call] = err
}

// Calls returns how many times call was invoked.
func (s *Store) Calls(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[call]
}

// SeedItem stores record as-is. An empty ID is assigned.
func (s *Store) SeedItem(record remote.ItemRecord) remote.ItemRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = s.nextID("item")
	}
	s.items[record.ID] = cloneItem(record)
	return record
}

// SeedList stores record as-is. An empty ID is assigned.
func (s *Store) SeedList(record remote.ListRecord) remote.ListRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = s.nextID("list")
	}
	s.lists[record.ID] = record
	return record
}

// Item returns the stored item row.
func (s *Store) Item(id string) (remote.ItemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.items[id]
	return cloneItem(record), ok
}

// Items returns every stored item row ordered by id.
func (s *Store) Items() []remote.ItemRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]remote.ItemRecord, 0, len(s.items))
	for _, record := range s.items {
		rows = append(rows, cloneItem(record))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// Lists returns every stored list row ordered by id.
func (s *Store) Lists() []remote.ListRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]remote.ListRecord, 0, len(s.lists))
	for _, record := range s.lists {
		rows = append(rows, record)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func (s *Store) ListItems(_ context.Context, userID string) ([]remote.ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallListItems); err != nil {
		return nil, err
	}
	rows := make([]remote.ItemRecord, 0, len(s.items))
	for _, record := range s.items {
		if record.UserID == userID {
			rows = append(rows, cloneItem(record))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *Store) InsertItem(_ context.Context, record remote.ItemRecord) (remote.ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallInsertItem); err != nil {
		return remote.ItemRecord{}, err
	}
	record.ID = s.nextID("item")
	s.items[record.ID] = cloneItem(record)
	return record, nil
}

func (s *Store) UpdateItem(_ context.Context, record remote.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallUpdateItem); err != nil {
		return err
	}
	stored, ok := s.items[record.ID]
	if !ok || stored.UserID != record.UserID {
		return remote.ErrNotFound
	}
	if record.UpdatedAt.Before(stored.UpdatedAt) {
		return remote.ErrStaleUpdate
	}
	s.items[record.ID] = cloneItem(record)
	return nil
}

func (s *Store) ListLists(_ context.Context, userID string) ([]remote.ListRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallListLists); err != nil {
		return nil, err
	}
	rows := make([]remote.ListRecord, 0, len(s.lists))
	for _, record := range s.lists {
		if record.UserID == userID {
			rows = append(rows, record)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *Store) InsertList(_ context.Context, record remote.ListRecord) (remote.ListRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallInsertList); err != nil {
		return remote.ListRecord{}, err
	}
	record.ID = s.nextID("list")
	s.lists[record.ID] = record
	return record, nil
}

func (s *Store) UpdateList(_ context.Context, record remote.ListRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallUpdateList); err != nil {
		return err
	}
	stored, ok := s.lists[record.ID]
	if !ok || stored.UserID != record.UserID {
		return remote.ErrNotFound
	}
	if record.ModifiedAt().Before(stored.ModifiedAt()) {
		return remote.ErrStaleUpdate
	}
	s.lists[record.ID] = record
	return nil
}

func (s *Store) Delete(_ context.Context, table, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(CallDelete); err != nil {
		return err
	}
	switch table {
	case remote.TableItems:
		if stored, ok := s.items[id]; ok && stored.UserID == userID {
			delete(s.items, id)
		}
	case remote.TableLists:
		if stored, ok := s.lists[id]; ok && stored.UserID == userID {
			delete(s.lists, id)
		}
	default:
		return fmt.Errorf("%w: %q", remote.ErrUnknownTable, table)
	}
	return nil
}

func (s *Store) enter(call string) error {
	s.calls[call]++
	return s.failures[call]
}

func (s *Store) nextID(prefix string) string {
	s.sequence++
	return fmt.Sprintf("%s-%04d", prefix, s.sequence)
}

func cloneItem(record remote.ItemRecord) remote.ItemRecord {
	record.Tags = slices.Clone(record.Tags)
	return record
}

var _ remote.Store = (*Store)(nil)
