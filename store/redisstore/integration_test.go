//go:build integration

package redisstore

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/unkn0wn-root/depcache/store"
)

func TestIntegrationWatchConflict(t *testing.T) {
	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	s, err := New(Config{Client: goredis.NewClient(opts), CloseClient: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tx := s.Tx()
	tx.RPush("it:value:k", []byte("v1"), []byte("p"))
	_, err = tx.Exec(ctx)
	require.NoError(t, err)

	tx = s.Tx()
	tx.AddCondition(store.ListIndexEqual("it:value:k", 0, []byte("v1")))
	tx.Del("it:value:k")
	tx.Set("it:marker", []byte("x"), time.Minute)
	ok, err := tx.Exec(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := s.Exists(ctx, "it:value:k")
	require.NoError(t, err)
	assert.False(t, exists)
}
