package depcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/depcache/codec"
)

func newTestMemory(t *testing.T, p *memProvider, optsOpt func(*MemoryOptions[user])) *MemoryBackend[user] {
	t.Helper()
	opts := MemoryOptions[user]{Provider: p, Codec: codec.JSON[user]{}}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	m, err := NewMemory(opts)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestMemoryDependencies(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, newMemProvider(nil), nil)

	if err := m.Set(ctx, "a", Item[user]{Value: user{ID: "a"}, Dependencies: []string{"d1", "d2"}}); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := m.Set(ctx, "b", Item[user]{Value: user{ID: "b"}, Dependencies: []string{"d2"}}); err != nil {
		t.Fatalf("Set b: %v", err)
	}

	got, ok, err := m.Get(ctx, "a")
	if err != nil || !ok || got.Value.ID != "a" || len(got.Dependencies) != 2 {
		t.Fatalf("Get a: ok=%v err=%v item=%+v", ok, err, got)
	}
	if ok, _ := m.ContainsDependency(ctx, "d1"); !ok {
		t.Fatalf("d1 should be known")
	}

	if err := m.InvalidateDependency(ctx, "d1"); err != nil {
		t.Fatalf("InvalidateDependency: %v", err)
	}
	if ok, _ := m.Contains(ctx, "a"); ok {
		t.Fatalf("a should be gone")
	}
	if ok, _ := m.Contains(ctx, "b"); !ok {
		t.Fatalf("b should survive")
	}
	if ok, _ := m.ContainsDependency(ctx, "d1"); ok {
		t.Fatalf("d1 should be forgotten")
	}

	// Re-setting b without dependencies drops it from d2.
	if err := m.Set(ctx, "b", Item[user]{Value: user{ID: "b"}}); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	if ok, _ := m.ContainsDependency(ctx, "d2"); ok {
		t.Fatalf("d2 should be forgotten")
	}
}

func TestMemoryExpiration(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	p := newMemProvider(clk.Now)
	m := newTestMemory(t, p, func(o *MemoryOptions[user]) { o.DefaultExpiration = time.Hour })

	_ = m.Set(ctx, "abs", Item[user]{Config: ItemConfig{AbsoluteExpiration: time.Minute, SlidingExpiration: time.Hour}})
	_ = m.Set(ctx, "slide", Item[user]{Config: ItemConfig{SlidingExpiration: 5 * time.Minute}, Dependencies: []string{"d"}})
	_ = m.Set(ctx, "def", Item[user]{})
	_ = m.Set(ctx, "pin", Item[user]{Config: ItemConfig{AbsoluteExpiration: time.Minute, Priority: PriorityNotRemovable}})

	for key, want := range map[string]time.Duration{"abs": time.Minute, "slide": 5 * time.Minute, "def": time.Hour, "pin": 0} {
		if e, _ := p.entry(key); e.ttl != want {
			t.Fatalf("%s ttl = %v, want %v", key, e.ttl, want)
		}
	}

	clk.Advance(3 * time.Minute)
	if _, ok, _ := m.Get(ctx, "slide"); !ok {
		t.Fatalf("slide should still be live")
	}
	clk.Advance(3 * time.Minute)
	if _, ok, _ := m.Get(ctx, "slide"); !ok {
		t.Fatalf("read should have extended slide")
	}
	if _, ok, _ := m.Get(ctx, "abs"); ok {
		t.Fatalf("abs should have expired")
	}

	clk.Advance(10 * time.Minute)
	if _, ok, _ := m.Get(ctx, "slide"); ok {
		t.Fatalf("slide should have expired")
	}
	if ok, _ := m.ContainsDependency(ctx, "d"); ok {
		t.Fatalf("expired item still indexed")
	}
}

func TestMemoryCorruptEntry(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider(nil)
	h := newCountingHooks()
	m := newTestMemory(t, p, func(o *MemoryOptions[user]) { o.Hooks = h })

	if _, err := p.Set(ctx, "bad", []byte("not-a-frame"), 1, 0); err != nil {
		t.Fatal(err)
	}
	_, ok, err := m.Get(ctx, "bad")
	if ok || !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("want ErrInvalidItem, got ok=%v err=%v", ok, err)
	}
	if _, ok := p.entry("bad"); ok {
		t.Fatalf("corrupt entry was not dropped")
	}
	if h.corrupt != 1 {
		t.Fatalf("corrupt hooks = %d", h.corrupt)
	}
}

func TestMemoryApplyRemoteInvalidation(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t, newMemProvider(nil), nil)

	_ = m.Set(ctx, "a", Item[user]{Dependencies: []string{"d"}})
	_ = m.Set(ctx, "b", Item[user]{})
	_ = m.Set(ctx, "c", Item[user]{})

	for _, e := range []Event{
		{Kind: EventDependencyInvalidated, Source: "x", Key: "d"},
		{Kind: EventItemRemoved, Source: "x", Key: "b"},
		{Kind: EventItemInvalidated, Source: "x", Key: "c"},
	} {
		if err := m.ApplyRemoteInvalidation(ctx, e); err != nil {
			t.Fatalf("apply %+v: %v", e, err)
		}
	}
	for _, k := range []string{"a", "b", "c"} {
		if ok, _ := m.Contains(ctx, k); ok {
			t.Fatalf("%s should be gone", k)
		}
	}
	if err := m.ApplyRemoteInvalidation(ctx, Event{Kind: "bogus"}); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}

func TestMemoryCloseOwnership(t *testing.T) {
	ctx := context.Background()
	borrowed := newMemProvider(nil)
	m, _ := NewMemory(MemoryOptions[user]{Provider: borrowed})
	_ = m.Close(ctx)
	if borrowed.closed {
		t.Fatalf("borrowed provider closed")
	}

	owned := newMemProvider(nil)
	m, _ = NewMemory(MemoryOptions[user]{Provider: owned, OwnsProvider: true})
	_ = m.Close(ctx)
	_ = m.Close(ctx)
	if !owned.closed {
		t.Fatalf("owned provider not closed")
	}
}

func TestMemoryDefaultProvider(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(MemoryOptions[user]{})
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close(ctx)

	if err := m.Set(ctx, "a", Item[user]{Value: user{ID: "a"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok, err := m.Get(ctx, "a"); err != nil || !ok || got.Value.ID != "a" {
		t.Fatalf("Get: ok=%v err=%v got=%+v", ok, err, got)
	}
	if f := m.Features(); !f.Dependencies || !f.LocalCache || f.Events {
		t.Fatalf("unexpected features %+v", f)
	}
}
