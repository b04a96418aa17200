package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/hivemind/internal/cache"
)

// RedisKnowledgeStore keeps entries in Redis so every process of a hive sees
// the same knowledge. Entries are JSON strings; tags are Redis sets of store
// keys, cleaned lazily when an entry expires.
type RedisKnowledgeStore struct {
	cache *cache.Manager
	ttl   time.Duration
}

// NewRedisKnowledgeStore creates a store on an open connection. A positive
// ttl expires entries.
func NewRedisKnowledgeStore(m *cache.Manager, ttl time.Duration) *RedisKnowledgeStore {
	return &RedisKnowledgeStore{cache: m, ttl: ttl}
}

func (s *RedisKnowledgeStore) entryKey(storeKey string) string { return "knowledge:" + storeKey }
func (s *RedisKnowledgeStore) tagKey(tag string) string        { return s.cache.Key("knowledge-tag", tag) }
func (s *RedisKnowledgeStore) indexKey() string                { return s.cache.Key("knowledge-index") }

func (s *RedisKnowledgeStore) Put(ctx context.Context, entry KnowledgeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode knowledge %s: %w", entry.Key, err)
	}
	storeKey := entry.StoreKey()
	old, err := s.Get(ctx, storeKey)
	if err != nil {
		return err
	}

	_, err = s.cache.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		if old != nil {
			for _, tag := range old.Tags {
				p.SRem(ctx, s.tagKey(tag), storeKey)
			}
		}
		p.Set(ctx, s.cache.Key(s.entryKey(storeKey)), data, s.ttl)
		p.SAdd(ctx, s.indexKey(), storeKey)
		if entry.Shared {
			for _, tag := range entry.Tags {
				p.SAdd(ctx, s.tagKey(tag), storeKey)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store knowledge %s: %w", entry.Key, err)
	}
	return nil
}

func (s *RedisKnowledgeStore) Get(ctx context.Context, storeKey string) (*KnowledgeEntry, error) {
	var e KnowledgeEntry
	err := s.cache.GetJSON(ctx, s.entryKey(storeKey), &e)
	if cache.IsCacheMiss(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisKnowledgeStore) ByTag(ctx context.Context, tag string) ([]KnowledgeEntry, error) {
	client := s.cache.Client()
	members, err := client.SMembers(ctx, s.tagKey(tag)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tag %s: %w", tag, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.cache.Key(s.entryKey(m))
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tag %s: %w", tag, err)
	}

	out := make([]KnowledgeEntry, 0, len(values))
	var gone []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			gone = append(gone, members[i])
			continue
		}
		var e KnowledgeEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode knowledge %s: %w", members[i], err)
		}
		out = append(out, e)
	}
	if len(gone) > 0 {
		client.SRem(ctx, s.tagKey(tag), gone...)
	}

	sortNewestFirst(out)
	return out, nil
}

func (s *RedisKnowledgeStore) Delete(ctx context.Context, storeKey string) error {
	old, err := s.Get(ctx, storeKey)
	if err != nil {
		return err
	}
	_, err = s.cache.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		if old != nil {
			for _, tag := range old.Tags {
				p.SRem(ctx, s.tagKey(tag), storeKey)
			}
		}
		p.Del(ctx, s.cache.Key(s.entryKey(storeKey)))
		p.SRem(ctx, s.indexKey(), storeKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete knowledge %s: %w", storeKey, err)
	}
	return nil
}

// Len counts live entries. Expired keys still listed in the index are
// pruned.
func (s *RedisKnowledgeStore) Len(ctx context.Context) (int, error) {
	client := s.cache.Client()
	members, err := client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list knowledge: %w", err)
	}

	n := 0
	var gone []any
	for _, m := range members {
		exists, err := client.Exists(ctx, s.cache.Key(s.entryKey(m))).Result()
		if err != nil {
			return 0, fmt.Errorf("check knowledge %s: %w", m, err)
		}
		if exists == 1 {
			n++
		} else {
			gone = append(gone, m)
		}
	}
	if len(gone) > 0 {
		client.SRem(ctx, s.indexKey(), gone...)
	}
	return n, nil
}
