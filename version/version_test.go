package version

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s Source, goroutines, each int) map[string]struct{} {
	t.Helper()
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, goroutines*each)
		wg   sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				v, err := s.Next(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return seen
}

func TestSourcesAreUnique(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rs, err := Redis(rdb, "{app}:version")
	require.NoError(t, err)

	for name, s := range map[string]Source{
		"uuid":  UUID(),
		"local": Local(),
		"redis": rs,
	} {
		t.Run(name, func(t *testing.T) {
			seen := collect(t, s, 8, 100)
			assert.Len(t, seen, 800)
			for v := range seen {
				assert.NotEqual(t, "-", v)
				assert.False(t, strings.Contains(v, "\n"))
			}
		})
	}
}

func TestLocalSourcesDoNotCollide(t *testing.T) {
	a, err := Local().Next(context.Background())
	require.NoError(t, err)
	b, err := Local().Next(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRedisRequiresKey(t *testing.T) {
	_, err := Redis(nil, "")
	assert.ErrorIs(t, err, ErrEmptyCounterKey)
}

func TestFunc(t *testing.T) {
	s := Func(func(context.Context) (string, error) { return "fixed", nil })
	v, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", v)
}
