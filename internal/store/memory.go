package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps rooms and backlogs in process memory. It backs tests and
// database-less development; production deployments use GormStore.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]RoomRecord
	backlogs map[string][]Item
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]RoomRecord),
		backlogs: make(map[string][]Item),
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, code, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; ok {
		return fmt.Errorf("room %s already exists", code)
	}
	s.rooms[code] = RoomRecord{Code: code, Mode: mode}
	return nil
}

func (s *MemoryStore) Room(_ context.Context, code string) (RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[code]
	if !ok {
		return RoomRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ReplaceBacklog(_ context.Context, code string, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; !ok {
		return ErrNotFound
	}
	cp := make([]Item, len(items))
	copy(cp, items)
	for i := range cp {
		cp[i].Estimate = ""
	}
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Order < cp[j].Order })
	s.backlogs[code] = cp
	return nil
}

func (s *MemoryStore) Backlog(_ context.Context, code string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.backlogs[code]
	cp := make([]Item, len(items))
	copy(cp, items)
	return cp, nil
}

func (s *MemoryStore) SetEstimate(_ context.Context, code, externalID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.backlogs[code] {
		if it.ExternalID == externalID {
			s.backlogs[code][i].Estimate = value
			return nil
		}
	}
	return ErrNotFound
}
