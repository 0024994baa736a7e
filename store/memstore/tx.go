package memstore

import (
	"bytes"
	"context"
	"time"

	"github.com/unkn0wn-root/depcache/store"
)

type op func(s *Store, notes *[]note) error

type tx struct {
	s     *Store
	conds []store.Condition
	ops   []op
}

func (s *Store) Tx() store.Tx { return &tx{s: s} }

func (t *tx) AddCondition(c store.Condition) { t.conds = append(t.conds, c) }

func (t *tx) Set(key string, value []byte, ttl time.Duration) {
	value = append([]byte(nil), value...)
	t.ops = append(t.ops, func(s *Store, n *[]note) error {
		s.set(key, value, ttl, n)
		return nil
	})
}

func (t *tx) Del(keys ...string) {
	t.ops = append(t.ops, func(s *Store, n *[]note) error {
		s.del(keys, n)
		return nil
	})
}

func (t *tx) RPush(key string, values ...[]byte) {
	t.ops = append(t.ops, func(s *Store, n *[]note) error { return s.rpush(key, values, n) })
}

func (t *tx) Expire(key string, ttl time.Duration) {
	t.ops = append(t.ops, func(s *Store, n *[]note) error {
		s.expire(key, ttl, n)
		return nil
	})
}

func (t *tx) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	t.ops = append(t.ops, func(s *Store, n *[]note) error { return s.sadd(key, members, n) })
}

func (t *tx) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	t.ops = append(t.ops, func(s *Store, n *[]note) error { return s.srem(key, members, n) })
}

// Exec checks every condition and applies the queued commands under one lock.
// Like MULTI/EXEC, a failing command does not undo the ones before it.
func (t *tx) Exec(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := t.s
	if err := s.lock(); err != nil {
		return false, err
	}
	var notes []note
	for _, c := range t.conds {
		if !s.holds(c, &notes) {
			s.flush(notes)
			return false, nil
		}
	}
	var firstErr error
	for _, o := range t.ops {
		if err := o(s, &notes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.flush(notes)
	return true, firstErr
}

func (s *Store) holds(c store.Condition, notes *[]note) bool {
	e := s.lookup(c.Key, notes)
	switch c.Kind {
	case store.CondKeyExists:
		return e != nil
	case store.CondKeyNotExists:
		return e == nil
	case store.CondStringEqual:
		return e != nil && e.typ == typeString && bytes.Equal(e.str, c.Value)
	case store.CondListIndexEqual:
		v, ok, err := s.listIndex(c.Key, c.Index, notes)
		return err == nil && ok && bytes.Equal(v, c.Value)
	default:
		return false
	}
}
