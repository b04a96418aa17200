package bus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// KnowledgeStore persists knowledge entries by StoreKey.
type KnowledgeStore interface {
	Put(ctx context.Context, entry KnowledgeEntry) error
	// Get returns nil without error on a miss.
	Get(ctx context.Context, storeKey string) (*KnowledgeEntry, error)
	// ByTag lists shared entries carrying tag, newest first.
	ByTag(ctx context.Context, tag string) ([]KnowledgeEntry, error)
	Delete(ctx context.Context, storeKey string) error
	Len(ctx context.Context) (int, error)
}

type memoryItem struct {
	entry     KnowledgeEntry
	expiresAt time.Time
}

// MemoryKnowledgeStore keeps entries in process memory.
type MemoryKnowledgeStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[string]memoryItem
	tags  map[string]map[string]struct{}
}

// NewMemoryKnowledgeStore creates a store. A positive ttl expires entries.
func NewMemoryKnowledgeStore(ttl time.Duration) *MemoryKnowledgeStore {
	return &MemoryKnowledgeStore{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]memoryItem),
		tags:  make(map[string]map[string]struct{}),
	}
}

func (s *MemoryKnowledgeStore) Put(_ context.Context, entry KnowledgeEntry) error {
	key := entry.StoreKey()
	item := memoryItem{entry: cloneEntry(entry)}
	if s.ttl > 0 {
		item.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.untagLocked(key, old.entry.Tags)
	}
	s.items[key] = item
	if entry.Shared {
		for _, tag := range entry.Tags {
			set, ok := s.tags[tag]
			if !ok {
				set = make(map[string]struct{})
				s.tags[tag] = set
			}
			set[key] = struct{}{}
		}
	}
	return nil
}

func (s *MemoryKnowledgeStore) Get(_ context.Context, storeKey string) (*KnowledgeEntry, error) {
	s.mu.RLock()
	item, ok := s.items[storeKey]
	s.mu.RUnlock()
	if !ok || s.expired(item) {
		return nil, nil
	}
	e := cloneEntry(item.entry)
	return &e, nil
}

func (s *MemoryKnowledgeStore) ByTag(_ context.Context, tag string) ([]KnowledgeEntry, error) {
	s.mu.RLock()
	out := make([]KnowledgeEntry, 0, len(s.tags[tag]))
	for key := range s.tags[tag] {
		if item, ok := s.items[key]; ok && !s.expired(item) {
			out = append(out, cloneEntry(item.entry))
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryKnowledgeStore) Delete(_ context.Context, storeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[storeKey]; ok {
		s.untagLocked(storeKey, old.entry.Tags)
		delete(s.items, storeKey)
	}
	return nil
}

func (s *MemoryKnowledgeStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		if !s.expired(item) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryKnowledgeStore) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt)
}

func (s *MemoryKnowledgeStore) untagLocked(key string, tags []string) {
	for _, tag := range tags {
		if set, ok := s.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tags, tag)
			}
		}
	}
}

func cloneEntry(e KnowledgeEntry) KnowledgeEntry {
	e.Value = append([]byte(nil), e.Value...)
	e.Tags = append([]string(nil), e.Tags...)
	return e
}

func sortNewestFirst(entries []KnowledgeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].Key < entries[j].Key
	})
}
