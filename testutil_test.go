package depcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/depcache/store"
	"github.com/unkn0wn-root/depcache/store/memstore"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemStore(t *testing.T, keyspace bool) (*memstore.Store, *clock) {
	t.Helper()
	clk := newClock()
	return memstore.New(memstore.Options{KeyspaceNotifications: keyspace, Now: clk.Now}), clk
}

func newTestBackend(t *testing.T, st store.Store, optsOpt func(*Options[user])) Backend[user] {
	t.Helper()
	opts := Options[user]{Store: st}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	b, err := New[user](context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func newDepBackend(t *testing.T, st store.Store, optsOpt func(*Options[user])) *dependencyBackend[user] {
	t.Helper()
	b := newTestBackend(t, st, func(o *Options[user]) {
		o.SupportsDependencies = true
		if optsOpt != nil {
			optsOpt(o)
		}
	})
	impl, ok := b.(*dependencyBackend[user])
	if !ok {
		t.Fatalf("unexpected concrete type %T", b)
	}
	return impl
}

// conflictStore fails every transaction precondition.
type conflictStore struct {
	store.Store
	execs atomic.Int32
}

func (s *conflictStore) Tx() store.Tx { return &conflictTx{Tx: s.Store.Tx(), s: s} }

type conflictTx struct {
	store.Tx
	s *conflictStore
}

func (t *conflictTx) Exec(context.Context) (bool, error) {
	t.s.execs.Add(1)
	return false, nil
}

// countingHooks records hook calls.
type countingHooks struct {
	NopHooks
	mu        sync.Mutex
	conflicts int
	exhausted []string
	repaired  map[string]int
	corrupt   int
}

func newCountingHooks() *countingHooks { return &countingHooks{repaired: map[string]int{}} }

func (h *countingHooks) TransactionConflict(string, string, int) {
	h.mu.Lock()
	h.conflicts++
	h.mu.Unlock()
}

func (h *countingHooks) RetriesExhausted(op, _ string, _ int) {
	h.mu.Lock()
	h.exhausted = append(h.exhausted, op)
	h.mu.Unlock()
}

func (h *countingHooks) ItemRepaired(_, reason string) {
	h.mu.Lock()
	h.repaired[reason]++
	h.mu.Unlock()
}

func (h *countingHooks) CorruptItem(string, error) {
	h.mu.Lock()
	h.corrupt++
	h.mu.Unlock()
}

func (h *countingHooks) repairs(reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.repaired[reason]
}

// eventLog collects events delivered to Options.OnEvent.
type eventLog struct {
	mu  sync.Mutex
	all []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.all = append(l.all, e)
	l.mu.Unlock()
}

func (l *eventLog) events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.all...)
}

func mustExist(t *testing.T, st store.Store, key string, want bool) {
	t.Helper()
	ok, err := st.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists(%q): %v", key, err)
	}
	if ok != want {
		t.Fatalf("Exists(%q) = %v, want %v", key, ok, want)
	}
}

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
	ttl time.Duration
}

// memProvider is a deterministic provider.Provider for the in-memory layer.
type memProvider struct {
	mu     sync.Mutex
	now    func() time.Time
	m      map[string]memEntry
	closed bool
}

func newMemProvider(now func() time.Time) *memProvider {
	if now == nil {
		now = time.Now
	}
	return &memProvider{now: now, m: make(map[string]memEntry)}
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !p.now().Before(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = p.now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp, ttl: ttl}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *memProvider) entry(key string) (memEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	return e, ok
}
