package redisstore

import (
	"bytes"
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/depcache/store"
)

var errConditionFailed = errors.New("redis store: transaction condition failed")

type op func(ctx context.Context, p goredis.Pipeliner)

type tx struct {
	s     *Redis
	conds []store.Condition
	ops   []op
}

func (s *Redis) Tx() store.Tx { return &tx{s: s} }

func (t *tx) AddCondition(c store.Condition) { t.conds = append(t.conds, c) }

func (t *tx) Set(key string, value []byte, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	t.ops = append(t.ops, func(ctx context.Context, p goredis.Pipeliner) { p.Set(ctx, key, value, ttl) })
}

func (t *tx) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	t.ops = append(t.ops, func(ctx context.Context, p goredis.Pipeliner) { p.Del(ctx, keys...) })
}

func (t *tx) RPush(key string, values ...[]byte) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	t.ops = append(t.ops, func(ctx context.Context, p goredis.Pipeliner) { p.RPush(ctx, key, args...) })
}

func (t *tx) Expire(key string, ttl time.Duration) {
	t.ops = append(t.ops, func(ctx context.Context, p goredis.Pipeliner) {
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		} else {
			p.Persist(ctx, key)
		}
	})
}

func (t *tx) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toArgs(members)
	t.ops = append(t.ops, func(ctx context.Context, p goredis.Pipeliner) { p.SAdd(ctx, key, args...) })
}

func (t *tx) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toArgs(members)
	t.ops = append(t.ops, func(ctx context.Context, p goredis.Pipeliner) { p.SRem(ctx, key, args...) })
}

// Exec WATCHes every condition key, verifies the conditions on the watched
// connection and runs the queued commands in MULTI/EXEC. A changed watched
// key (TxFailedErr) or a failed condition reports committed=false.
func (t *tx) Exec(ctx context.Context) (bool, error) {
	if len(t.conds) == 0 {
		_, err := t.s.rdb.TxPipelined(ctx, t.queue(ctx))
		if err != nil {
			return false, mapErr(err)
		}
		return true, nil
	}

	keys := make([]string, 0, len(t.conds))
	seen := make(map[string]struct{}, len(t.conds))
	for _, c := range t.conds {
		if _, ok := seen[c.Key]; !ok {
			seen[c.Key] = struct{}{}
			keys = append(keys, c.Key)
		}
	}

	err := t.s.rdb.Watch(ctx, func(rtx *goredis.Tx) error {
		for _, c := range t.conds {
			ok, err := check(ctx, rtx, c)
			if err != nil {
				return err
			}
			if !ok {
				return errConditionFailed
			}
		}
		_, err := rtx.TxPipelined(ctx, t.queue(ctx))
		return err
	}, keys...)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, goredis.TxFailedErr), errors.Is(err, errConditionFailed):
		return false, nil
	default:
		return false, mapErr(err)
	}
}

func (t *tx) queue(ctx context.Context) func(goredis.Pipeliner) error {
	return func(p goredis.Pipeliner) error {
		for _, o := range t.ops {
			o(ctx, p)
		}
		return nil
	}
}

func check(ctx context.Context, rtx *goredis.Tx, c store.Condition) (bool, error) {
	switch c.Kind {
	case store.CondKeyExists, store.CondKeyNotExists:
		n, err := rtx.Exists(ctx, c.Key).Result()
		if err != nil {
			return false, err
		}
		return (n == 1) == (c.Kind == store.CondKeyExists), nil
	case store.CondStringEqual:
		b, err := rtx.Get(ctx, c.Key).Bytes()
		if err == goredis.Nil || isWrongType(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return bytes.Equal(b, c.Value), nil
	case store.CondListIndexEqual:
		b, err := rtx.LIndex(ctx, c.Key, c.Index).Bytes()
		if err == goredis.Nil || isWrongType(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return bytes.Equal(b, c.Value), nil
	default:
		return false, nil
	}
}

func isWrongType(err error) bool {
	return err != nil && errors.Is(mapErr(err), store.ErrWrongType)
}

func toArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
