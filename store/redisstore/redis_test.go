package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/depcache/store"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{
		Client:      goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		CloseClient: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestStringOps(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	ok, err = s.Expire(ctx, "k", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, mr.TTL("k"))

	ok, err = s.Expire(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), mr.TTL("k"))

	ok, err = s.Expire(ctx, "missing", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Del(ctx, "k"))
	exists, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListAndSetOps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	tx := s.Tx()
	tx.RPush("l", []byte("ver"), []byte("payload"))
	tx.SAdd("s", "a", "b")
	ok, err := tx.Exec(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	v, ok, err := s.ListIndex(ctx, "l", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("ver"), v)

	all, err := s.ListRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ver"), []byte("payload")}, all)

	members, err := s.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	is, err := s.SetIsMember(ctx, "s", "b")
	require.NoError(t, err)
	assert.True(t, is)

	_, _, err = s.ListIndex(ctx, "s", 0)
	assert.ErrorIs(t, err, store.ErrWrongType)
}

func TestTxConditionFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	tx := s.Tx()
	tx.RPush("value", []byte("v1"), []byte("p"))
	_, err := tx.Exec(ctx)
	require.NoError(t, err)

	tx = s.Tx()
	tx.AddCondition(store.ListIndexEqual("value", 0, []byte("v0")))
	tx.Del("value")
	tx.Set("marker", []byte("x"), 0)
	ok, err := tx.Exec(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("marker"))
	assert.True(t, mr.Exists("value"))

	tx = s.Tx()
	tx.AddCondition(store.ListIndexEqual("value", 0, []byte("v1")))
	tx.AddCondition(store.KeyNotExists("deps"))
	tx.Del("value")
	tx.Set("marker", []byte("x"), time.Minute)
	ok, err = tx.Exec(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("marker"))
	assert.False(t, mr.Exists("value"))
	assert.Equal(t, time.Minute, mr.TTL("marker"))
}

func TestTxStringConditions(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("deps", "v1\nd1"))

	tx := s.Tx()
	tx.AddCondition(store.StringEqual("deps", []byte("v1\nd1")))
	tx.AddCondition(store.KeyExists("deps"))
	tx.SRem("dep:d1", "k")
	tx.Del("deps")
	ok, err := tx.Exec(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("deps"))

	tx = s.Tx()
	tx.AddCondition(store.StringEqual("deps", []byte("v1\nd1")))
	tx.Set("deps", []byte("x"), 0)
	ok, err = tx.Exec(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("app:value:a", "1"))
	require.NoError(t, mr.Set("app:value:b", "1"))
	require.NoError(t, mr.Set("other:value:c", "1"))

	var got []string
	require.NoError(t, s.Scan(ctx, "app:*", func(k string) error {
		got = append(got, k)
		return nil
	}))
	assert.ElementsMatch(t, []string{"app:value:a", "app:value:b"}, got)
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var (
		mu  sync.Mutex
		got []store.Message
	)
	sub, err := s.Subscribe(ctx, store.Channel{Name: "app:events"}, func(m store.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, sub.Connected, 2*time.Second, 10*time.Millisecond)

	psub, err := s.Subscribe(ctx, store.Channel{Name: "app:*", Pattern: true}, func(m store.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, psub.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Publish(ctx, "app:events", "item-removed:src:k"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	for _, m := range got {
		assert.Equal(t, "app:events", m.Channel)
		assert.Equal(t, "item-removed:src:k", m.Payload)
	}
	mu.Unlock()

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.False(t, sub.Connected())
	require.NoError(t, psub.Close())
}

func TestCloseOwnership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	borrowed, err := New(Config{Client: client})
	require.NoError(t, err)
	require.NoError(t, borrowed.Close())
	require.NoError(t, client.Ping(context.Background()).Err(), "borrowed client must stay open")

	owned, err := New(Config{Client: client, CloseClient: true})
	require.NoError(t, err)
	require.NoError(t, owned.Close())
	require.NoError(t, owned.Close(), "second close is a no-op")

	_, _, err = owned.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
}
