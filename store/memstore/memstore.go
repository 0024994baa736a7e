// Package memstore is an in-process store.Store. It mirrors the Redis
// semantics depcache relies on: typed keys, TTLs, atomic transactions with
// preconditions, pub/sub with glob patterns and keyspace notifications
// (including "expired" and "evicted" events).
//
// Subscribers are called synchronously, in commit order, after the store lock
// is released. A subscriber must not call back into the store from its
// callback; hand the message to another goroutine instead (notify.Processor
// does exactly that).
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/unkn0wn-root/depcache/store"
)

type Options struct {
	DB int // database index used in keyspace channel names
	// KeyspaceNotifications publishes __keyspace@<db>__:<key> events like a
	// Redis server configured with notify-keyspace-events "Kgxe$ls".
	KeyspaceNotifications bool
	Now                   func() time.Time // nil => time.Now
}

type valueType byte

const (
	typeString valueType = iota + 1
	typeList
	typeSet
)

type entry struct {
	typ  valueType
	str  []byte
	list [][]byte
	set  map[string]struct{}
	exp  time.Time // zero => no TTL
}

type note struct {
	channel string
	payload string
}

type Store struct {
	mu     sync.Mutex
	data   map[string]*entry
	closed bool

	now      func() time.Time
	notify   bool
	keyspace string

	deliverMu sync.Mutex // held across delivery so subscribers observe commit order
	subMu     sync.RWMutex
	subs      map[*subscription]struct{}
}

var _ store.Store = (*Store)(nil)

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		data:     make(map[string]*entry),
		now:      now,
		notify:   opts.KeyspaceNotifications,
		keyspace: "__keyspace@" + strconv.Itoa(opts.DB) + "__:",
		subs:     make(map[*subscription]struct{}),
	}
}

// lock acquires the data lock; callers must finish with s.flush.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	return nil
}

// flush releases the data lock and delivers notes in order.
func (s *Store) flush(notes []note) {
	if len(notes) == 0 {
		s.mu.Unlock()
		return
	}
	s.deliverMu.Lock()
	s.mu.Unlock()
	defer s.deliverMu.Unlock()
	s.deliver(notes)
}

func (s *Store) deliver(notes []note) {
	s.subMu.RLock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, n := range notes {
		for _, sub := range subs {
			if msg, ok := sub.match(n); ok {
				sub.h(msg)
			}
		}
	}
}

func (s *Store) event(notes *[]note, key, ev string) {
	if s.notify {
		*notes = append(*notes, note{channel: s.keyspace + key, payload: ev})
	}
}

// lookup returns the live entry for key, expiring it lazily.
func (s *Store) lookup(key string, notes *[]note) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.exp.IsZero() && !s.now().Before(e.exp) {
		delete(s.data, key)
		s.event(notes, key, "expired")
		return nil
	}
	return e
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	var notes []note
	e := s.lookup(key, &notes)
	var (
		out []byte
		ok  bool
		err error
	)
	switch {
	case e == nil:
	case e.typ != typeString:
		err = store.ErrWrongType
	default:
		out, ok = append([]byte(nil), e.str...), true
	}
	s.flush(notes)
	return out, ok, err
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.lock(); err != nil {
		return err
	}
	var notes []note
	s.set(key, value, ttl, &notes)
	s.flush(notes)
	return nil
}

func (s *Store) set(key string, value []byte, ttl time.Duration, notes *[]note) {
	s.data[key] = &entry{typ: typeString, str: append([]byte(nil), value...), exp: s.deadline(ttl)}
	s.event(notes, key, "set")
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	var notes []note
	s.del(keys, &notes)
	s.flush(notes)
	return nil
}

func (s *Store) del(keys []string, notes *[]note) {
	for _, k := range keys {
		if s.lookup(k, notes) != nil {
			delete(s.data, k)
			s.event(notes, k, "del")
		}
	}
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	var notes []note
	ok := s.lookup(key, &notes) != nil
	s.flush(notes)
	return ok, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	var notes []note
	ok := s.expire(key, ttl, &notes)
	s.flush(notes)
	return ok, nil
}

// expire with ttl <= 0 removes the TTL.
func (s *Store) expire(key string, ttl time.Duration, notes *[]note) bool {
	e := s.lookup(key, notes)
	if e == nil {
		return false
	}
	e.exp = s.deadline(ttl)
	if ttl > 0 {
		s.event(notes, key, "expire")
	} else {
		s.event(notes, key, "persist")
	}
	return true
}

func (s *Store) ListIndex(_ context.Context, key string, index int64) ([]byte, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	var notes []note
	out, ok, err := s.listIndex(key, index, &notes)
	s.flush(notes)
	return out, ok, err
}

func (s *Store) listIndex(key string, index int64, notes *[]note) ([]byte, bool, error) {
	e := s.lookup(key, notes)
	if e == nil {
		return nil, false, nil
	}
	if e.typ != typeList {
		return nil, false, store.ErrWrongType
	}
	n := int64(len(e.list))
	if index < 0 {
		index += n
	}
	if index < 0 || index >= n {
		return nil, false, nil
	}
	return append([]byte(nil), e.list[index]...), true, nil
}

func (s *Store) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	var notes []note
	e := s.lookup(key, &notes)
	var (
		out [][]byte
		err error
	)
	switch {
	case e == nil:
	case e.typ != typeList:
		err = store.ErrWrongType
	default:
		n := int64(len(e.list))
		if start < 0 {
			start = max(start+n, 0)
		}
		if stop < 0 {
			stop += n
		}
		stop = min(stop, n-1)
		for i := start; i <= stop; i++ {
			out = append(out, append([]byte(nil), e.list[i]...))
		}
	}
	s.flush(notes)
	return out, err
}

func (s *Store) rpush(key string, values [][]byte, notes *[]note) error {
	e := s.lookup(key, notes)
	if e == nil {
		e = &entry{typ: typeList}
		s.data[key] = e
	} else if e.typ != typeList {
		return store.ErrWrongType
	}
	for _, v := range values {
		e.list = append(e.list, append([]byte(nil), v...))
	}
	s.event(notes, key, "rpush")
	return nil
}

func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	var notes []note
	e := s.lookup(key, &notes)
	var (
		out []string
		err error
	)
	switch {
	case e == nil:
	case e.typ != typeSet:
		err = store.ErrWrongType
	default:
		out = make([]string, 0, len(e.set))
		for m := range e.set {
			out = append(out, m)
		}
		sort.Strings(out)
	}
	s.flush(notes)
	return out, err
}

func (s *Store) SetIsMember(_ context.Context, key, member string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	var notes []note
	e := s.lookup(key, &notes)
	var (
		ok  bool
		err error
	)
	switch {
	case e == nil:
	case e.typ != typeSet:
		err = store.ErrWrongType
	default:
		_, ok = e.set[member]
	}
	s.flush(notes)
	return ok, err
}

func (s *Store) sadd(key string, members []string, notes *[]note) error {
	e := s.lookup(key, notes)
	if e == nil {
		e = &entry{typ: typeSet, set: make(map[string]struct{}, len(members))}
		s.data[key] = e
	} else if e.typ != typeSet {
		return store.ErrWrongType
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	s.event(notes, key, "sadd")
	return nil
}

func (s *Store) srem(key string, members []string, notes *[]note) error {
	e := s.lookup(key, notes)
	if e == nil {
		return nil
	}
	if e.typ != typeSet {
		return store.ErrWrongType
	}
	removed := false
	for _, m := range members {
		if _, ok := e.set[m]; ok {
			delete(e.set, m)
			removed = true
		}
	}
	if removed {
		s.event(notes, key, "srem")
	}
	if len(e.set) == 0 { // Redis drops empty sets
		delete(s.data, key)
		s.event(notes, key, "del")
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, match string, fn func(key string) error) error {
	if err := s.lock(); err != nil {
		return err
	}
	var notes []note
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if s.lookup(k, &notes) != nil && Match(match, k) {
			keys = append(keys, k)
		}
	}
	s.flush(notes)
	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Publish(_ context.Context, channel, message string) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.flush([]note{{channel: channel, payload: message}})
	return nil
}

func (s *Store) Subscribe(_ context.Context, ch store.Channel, h func(store.Message)) (store.Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}
	sub := &subscription{s: s, ch: ch, h: h}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

// Close drops all data. Subscriptions closed afterwards report store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.closed = true
	s.data = nil
	return nil
}

// Evict removes key the way a Redis maxmemory policy would, publishing an
// "evicted" keyspace notification.
func (s *Store) Evict(key string) bool {
	if s.lock() != nil {
		return false
	}
	var notes []note
	ok := s.lookup(key, &notes) != nil
	if ok {
		delete(s.data, key)
		s.event(&notes, key, "evicted")
	}
	s.flush(notes)
	return ok
}

// ExpireDue removes every key whose TTL has elapsed, publishing "expired"
// notifications, and returns how many keys expired.
func (s *Store) ExpireDue() int {
	if s.lock() != nil {
		return 0
	}
	var notes []note
	n := 0
	for k := range s.data {
		if s.lookup(k, &notes) == nil {
			n++
		}
	}
	s.flush(notes)
	return n
}

// Keys returns the live keys, sorted.
func (s *Store) Keys() []string {
	var out []string
	_ = s.Scan(context.Background(), "*", func(k string) error {
		out = append(out, k)
		return nil
	})
	return out
}

// TTL returns the remaining time to live; ok is false for missing keys and
// keys without expiry.
func (s *Store) TTL(key string) (time.Duration, bool) {
	if s.lock() != nil {
		return 0, false
	}
	var notes []note
	var (
		ttl time.Duration
		ok  bool
	)
	if e := s.lookup(key, &notes); e != nil && !e.exp.IsZero() {
		ttl, ok = e.exp.Sub(s.now()), true
	}
	s.flush(notes)
	return ttl, ok
}

type subscription struct {
	s    *Store
	ch   store.Channel
	h    func(store.Message)
	once sync.Once
}

func (sub *subscription) match(n note) (store.Message, bool) {
	if sub.ch.Pattern {
		if Match(sub.ch.Name, n.channel) {
			return store.Message{Channel: n.channel, Pattern: sub.ch.Name, Payload: n.payload}, true
		}
		return store.Message{}, false
	}
	if sub.ch.Name == n.channel {
		return store.Message{Channel: n.channel, Payload: n.payload}, true
	}
	return store.Message{}, false
}

func (sub *subscription) Connected() bool {
	sub.s.subMu.RLock()
	_, ok := sub.s.subs[sub]
	sub.s.subMu.RUnlock()
	return ok
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.s.subMu.Lock()
		delete(sub.s.subs, sub)
		sub.s.subMu.Unlock()
	})
	sub.s.mu.Lock()
	closed := sub.s.closed
	sub.s.mu.Unlock()
	if closed {
		return store.ErrClosed
	}
	return nil
}
