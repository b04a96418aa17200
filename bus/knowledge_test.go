package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/internal/cache"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisKnowledgeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "hm:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return NewRedisKnowledgeStore(m, ttl), mr
}

// storeContract runs the same expectations against every KnowledgeStore.
func storeContract(t *testing.T, newStore func(t *testing.T) KnowledgeStore) {
	base := time.Unix(1_700_000_000, 0).UTC()

	t.Run("get miss", func(t *testing.T) {
		s := newStore(t)
		e, err := s.Get(context.Background(), sharedKey("absent"))
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := KnowledgeEntry{Key: "k", Value: []byte(`{"a":1}`), Owner: "w", Shared: true, Tags: []string{"t"}, Timestamp: base}
		require.NoError(t, s.Put(ctx, in))

		got, err := s.Get(ctx, in.StoreKey())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "w", got.Owner)
		assert.JSONEq(t, `{"a":1}`, string(got.Value))
		assert.True(t, got.Timestamp.Equal(base))

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("private and shared do not collide", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, KnowledgeEntry{Key: "k", Value: []byte(`1`), Owner: "w", Shared: true}))
		require.NoError(t, s.Put(ctx, KnowledgeEntry{Key: "k", Value: []byte(`2`), Owner: "w"}))

		shared, err := s.Get(ctx, sharedKey("k"))
		require.NoError(t, err)
		private, err := s.Get(ctx, privateKey("w", "k"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(shared.Value))
		assert.Equal(t, "2", string(private.Value))
	})

	t.Run("tags follow overwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, KnowledgeEntry{Key: "a", Value: []byte(`1`), Shared: true, Tags: []string{"old"}, Timestamp: base}))
		require.NoError(t, s.Put(ctx, KnowledgeEntry{Key: "b", Value: []byte(`1`), Shared: true, Tags: []string{"new"}, Timestamp: base.Add(time.Second)}))
		require.NoError(t, s.Put(ctx, KnowledgeEntry{Key: "a", Value: []byte(`2`), Shared: true, Tags: []string{"new"}, Timestamp: base.Add(2 * time.Second)}))

		old, err := s.ByTag(ctx, "old")
		require.NoError(t, err)
		assert.Empty(t, old)

		fresh, err := s.ByTag(ctx, "new")
		require.NoError(t, err)
		require.Len(t, fresh, 2)
		assert.Equal(t, "a", fresh[0].Key, "newest first")
		assert.Equal(t, "b", fresh[1].Key)
	})

	t.Run("private entries are not tagged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, KnowledgeEntry{Key: "p", Value: []byte(`1`), Owner: "w", Tags: []string{"t"}}))
		tagged, err := s.ByTag(ctx, "t")
		require.NoError(t, err)
		assert.Empty(t, tagged)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := KnowledgeEntry{Key: "k", Value: []byte(`1`), Shared: true, Tags: []string{"t"}}
		require.NoError(t, s.Put(ctx, e))
		require.NoError(t, s.Delete(ctx, e.StoreKey()))
		require.NoError(t, s.Delete(ctx, e.StoreKey()))

		got, err := s.Get(ctx, e.StoreKey())
		require.NoError(t, err)
		assert.Nil(t, got)
		tagged, err := s.ByTag(ctx, "t")
		require.NoError(t, err)
		assert.Empty(t, tagged)
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestMemoryKnowledgeStore(t *testing.T) {
	storeContract(t, func(t *testing.T) KnowledgeStore { return NewMemoryKnowledgeStore(0) })
}

func TestRedisKnowledgeStore(t *testing.T) {
	storeContract(t, func(t *testing.T) KnowledgeStore {
		s, _ := newRedisStore(t, 0)
		return s
	})
}

func TestMemoryKnowledgeStore_TTL(t *testing.T) {
	s := NewMemoryKnowledgeStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	e := KnowledgeEntry{Key: "k", Value: []byte(`1`), Shared: true, Tags: []string{"t"}}
	require.NoError(t, s.Put(ctx, e))

	now = now.Add(2 * time.Minute)
	got, err := s.Get(ctx, e.StoreKey())
	require.NoError(t, err)
	assert.Nil(t, got)
	tagged, err := s.ByTag(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, tagged)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisKnowledgeStore_TTLPrunesIndexes(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	e := KnowledgeEntry{Key: "k", Value: []byte(`1`), Shared: true, Tags: []string{"t"}}
	require.NoError(t, s.Put(ctx, e))
	assert.True(t, mr.Exists("hm:knowledge:shared:k"))

	mr.FastForward(2 * time.Minute)

	tagged, err := s.ByTag(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, tagged)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	members, err := mr.Members("hm:knowledge-tag:t")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestBus_WithRedisStore(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	b := New(Config{}, WithStore(s))
	t.Cleanup(b.Close)
	ctx := context.Background()

	_, err := b.ShareKnowledge(ctx, "scout", "route", []string{"north", "east"}, ShareOptions{Tags: []string{"nav"}})
	require.NoError(t, err)

	got, err := b.LearnFromOthers(ctx, "forager", "route", LearnOptions{})
	require.NoError(t, err)
	require.NotNil(t, got)
	var route []string
	require.NoError(t, got.Decode(&route))
	assert.Equal(t, []string{"north", "east"}, route)

	tagged, err := b.KnowledgeByTag(ctx, "nav")
	require.NoError(t, err)
	assert.Len(t, tagged, 1)
}
