package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/snare/api/schemas"
)

type memoryEntry struct {
	rec     *schemas.TaskRecord
	expires time.Time
}

// MemoryStore keeps task records in process. Expired records are dropped
// lazily on access.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) live(e memoryEntry) bool {
	return e.expires.IsZero() || s.now().Before(e.expires)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*schemas.TaskRecord, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok || !s.live(e) {
		return nil, schemas.ErrTaskNotFound
	}
	return cloneRecord(e.rec), nil
}

func (s *MemoryStore) Set(_ context.Context, rec *schemas.TaskRecord, ttl time.Duration) error {
	e := memoryEntry{rec: cloneRecord(rec)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[rec.ID] = e
	s.mu.Unlock()
	return nil
}

// Update keeps the record's original expiry.
func (s *MemoryStore) Update(_ context.Context, id string, patch schemas.TaskPatch) (*schemas.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !s.live(e) {
		return nil, schemas.ErrTaskNotFound
	}
	patch.Apply(e.rec, s.now().UTC())
	return cloneRecord(e.rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// List returns live records, oldest first.
func (s *MemoryStore) List(_ context.Context) ([]*schemas.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schemas.TaskRecord, 0, len(s.entries))
	for id, e := range s.entries {
		if !s.live(e) {
			delete(s.entries, id)
			continue
		}
		out = append(out, cloneRecord(e.rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
