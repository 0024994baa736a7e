// Package version produces the tokens that bind a value key to its
// dependencies record. A token must never repeat for the same logical key;
// all sources here are unique across the whole keyspace.
package version

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Source hands out version tokens. Tokens must not contain '\n' and must not
// equal the no-dependency sentinel "-".
type Source interface {
	Next(ctx context.Context) (string, error)
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context) (string, error)

func (f Func) Next(ctx context.Context) (string, error) { return f(ctx) }

type uuidSource struct{}

// UUID returns random v4 UUID tokens. This is the default source.
func UUID() Source { return uuidSource{} }

func (uuidSource) Next(context.Context) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// LocalSource is a process-unique prefix followed by a counter. It is cheaper
// than UUID and still unique across processes, since every process draws its
// own random prefix.
type LocalSource struct {
	prefix string
	n      atomic.Uint64
}

func Local() *LocalSource {
	id := uuid.New()
	return &LocalSource{prefix: strings.ReplaceAll(id.String(), "-", "")[:16]}
}

func (s *LocalSource) Next(context.Context) (string, error) {
	return s.prefix + "." + strconv.FormatUint(s.n.Add(1), 36), nil
}

var ErrEmptyCounterKey = errors.New("version: empty counter key")

// RedisSource draws tokens from a shared INCR counter, so tokens are ordered
// across every process using the same key.
type RedisSource struct {
	rdb redis.UniversalClient
	key string
}

// Redis creates a counter-backed source. key should share the cache's hash
// tag when running on a cluster (e.g. "{app}:version").
func Redis(client redis.UniversalClient, key string) (*RedisSource, error) {
	if key == "" {
		return nil, ErrEmptyCounterKey
	}
	return &RedisSource{rdb: client, key: key}, nil
}

func (s *RedisSource) Next(ctx context.Context) (string, error) {
	v, err := s.rdb.Incr(ctx, s.key).Result()
	if err != nil {
		return "", fmt.Errorf("version counter %s: %w", s.key, err)
	}
	return "r" + strconv.FormatInt(v, 36), nil
}
