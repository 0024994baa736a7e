package depcache

import (
	"context"
	"testing"

	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/store"
)

func newLayeredBackend(t *testing.T, st store.Store, source string) (*layered[user], *memProvider) {
	t.Helper()
	p := newMemProvider(nil)
	b := newTestBackend(t, st, func(o *Options[user]) {
		o.SupportsDependencies = true
		o.LocalCaching = true
		o.LocalCache = p
		o.SourceID = source
	})
	lay, ok := b.(*layered[user])
	if !ok {
		t.Fatalf("unexpected concrete type %T", b)
	}
	return lay, p
}

func waitEvents(t *testing.T, l *layered[user]) {
	t.Helper()
	r, ok := l.remote.(*dependencyBackend[user])
	if !ok {
		t.Fatalf("unexpected remote %T", l.remote)
	}
	if err := r.whenEventsProcessed(context.Background()); err != nil {
		t.Fatalf("whenEventsProcessed: %v", err)
	}
}

func TestLayeredReadThroughAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	st, _ := newMemStore(t, false)
	l, p := newLayeredBackend(t, st, "a")

	if f := l.Features(); !f.Dependencies || !f.Events || !f.LocalCache {
		t.Fatalf("unexpected features %+v", f)
	}
	if err := l.Set(ctx, "k", Item[user]{Value: user{ID: "k"}, Dependencies: []string{"d"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := p.entry("k"); !ok {
		t.Fatalf("Set did not write the local layer")
	}
	if ok, _ := st.Exists(ctx, "depcache:value:k"); !ok {
		t.Fatalf("Set did not write the remote layer")
	}

	// Drop the local copy; the next read fills it again.
	_ = p.Del(ctx, "k")
	got, ok, err := l.Get(ctx, "k")
	if err != nil || !ok || got.Value.ID != "k" || len(got.Dependencies) != 1 {
		t.Fatalf("Get: ok=%v err=%v item=%+v", ok, err, got)
	}
	if _, ok := p.entry("k"); !ok {
		t.Fatalf("remote read did not fill the local layer")
	}

	if err := l.InvalidateDependency(ctx, "d"); err != nil {
		t.Fatalf("InvalidateDependency: %v", err)
	}
	if _, ok := p.entry("k"); ok {
		t.Fatalf("local copy survived invalidation")
	}
	if _, ok, _ := l.Get(ctx, "k"); ok {
		t.Fatalf("k should be gone")
	}
}

func TestLayeredAppliesOtherInstancesEvents(t *testing.T) {
	ctx := context.Background()
	st, _ := newMemStore(t, false)
	a, _ := newLayeredBackend(t, st, "a")
	b, bp := newLayeredBackend(t, st, "b")

	if err := a.Set(ctx, "x", Item[user]{Dependencies: []string{"d"}}); err != nil {
		t.Fatalf("Set x: %v", err)
	}
	if err := a.Set(ctx, "y", Item[user]{}); err != nil {
		t.Fatalf("Set y: %v", err)
	}
	// a's writes reach b as events; let them land before b caches.
	waitEvents(t, b)
	for _, k := range []string{"x", "y"} {
		if _, ok, err := b.Get(ctx, k); err != nil || !ok {
			t.Fatalf("b.Get(%s): ok=%v err=%v", k, ok, err)
		}
		if _, ok := bp.entry(k); !ok {
			t.Fatalf("b did not cache %s", k)
		}
	}

	if err := a.InvalidateDependency(ctx, "d"); err != nil {
		t.Fatalf("InvalidateDependency: %v", err)
	}
	if err := a.Remove(ctx, "y"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitEvents(t, b)

	for _, k := range []string{"x", "y"} {
		if _, ok := bp.entry(k); ok {
			t.Fatalf("b still caches %s after a removed it", k)
		}
		if _, ok, _ := b.Get(ctx, k); ok {
			t.Fatalf("b.Get(%s) should miss", k)
		}
	}
}

// racingRemote is a remote layer whose reads race with an invalidation.
type racingRemote struct {
	Backend[user]
	onGet func()
}

func (r *racingRemote) Get(ctx context.Context, key string) (Item[user], bool, error) {
	item, ok, err := r.Backend.Get(ctx, key)
	if r.onGet != nil {
		r.onGet()
	}
	return item, ok, err
}

func TestLayeredSkipsFillAfterConcurrentInvalidation(t *testing.T) {
	ctx := context.Background()
	st, _ := newMemStore(t, false)
	remote := newDepBackend(t, st, nil)
	if err := remote.Set(ctx, "k", Item[user]{Dependencies: []string{"d"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	p := newMemProvider(nil)
	local := newTestMemory(t, p, nil)
	rr := &racingRemote{Backend: remote}
	l := newLayered[user](rr, local, log.Nop{}, nil)
	rr.onGet = func() {
		l.apply(Event{Kind: EventDependencyInvalidated, Source: "other", Key: "d"})
	}

	if _, ok, err := l.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if _, ok := p.entry("k"); ok {
		t.Fatalf("a read overlapping an invalidation filled the local layer")
	}

	rr.onGet = nil
	if _, ok, _ := l.Get(ctx, "k"); !ok {
		t.Fatalf("Get: miss")
	}
	if _, ok := p.entry("k"); !ok {
		t.Fatalf("undisturbed read did not fill the local layer")
	}
}

func TestLayeredSetEvictsOtherInstancesCopies(t *testing.T) {
	ctx := context.Background()
	st, _ := newMemStore(t, false)
	a, _ := newLayeredBackend(t, st, "a")
	b, bp := newLayeredBackend(t, st, "b")

	if err := a.Set(ctx, "x", Item[user]{Value: user{ID: "x", Name: "old"}, Dependencies: []string{"d"}}); err != nil {
		t.Fatalf("Set old: %v", err)
	}
	waitEvents(t, b)
	if got, ok, err := b.Get(ctx, "x"); err != nil || !ok || got.Value.Name != "old" {
		t.Fatalf("b.Get: ok=%v err=%v item=%+v", ok, err, got)
	}
	if _, ok := bp.entry("x"); !ok {
		t.Fatalf("b did not cache x")
	}

	if err := a.Set(ctx, "x", Item[user]{Value: user{ID: "x", Name: "new"}, Dependencies: []string{"d"}}); err != nil {
		t.Fatalf("Set new: %v", err)
	}
	waitEvents(t, b)

	if _, ok := bp.entry("x"); ok {
		t.Fatalf("b still caches x after a overwrote it")
	}
	got, ok, err := b.Get(ctx, "x")
	if err != nil || !ok || got.Value.Name != "new" {
		t.Fatalf("b.Get after overwrite: ok=%v err=%v item=%+v", ok, err, got)
	}
}

func TestLayeredSkipsFillAfterConcurrentSet(t *testing.T) {
	ctx := context.Background()
	st, _ := newMemStore(t, false)
	remote := newDepBackend(t, st, nil)
	if err := remote.Set(ctx, "k", Item[user]{Value: user{Name: "old"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	p := newMemProvider(nil)
	local := newTestMemory(t, p, nil)
	rr := &racingRemote{Backend: remote}
	l := newLayered[user](rr, local, log.Nop{}, nil)
	rr.onGet = func() {
		rr.onGet = nil
		if err := l.Set(ctx, "k", Item[user]{Value: user{Name: "new"}}); err != nil {
			t.Errorf("Set during Get: %v", err)
		}
	}

	if _, ok, err := l.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}

	got, ok, err := l.Get(ctx, "k")
	if err != nil || !ok || got.Value.Name != "new" {
		t.Fatalf("Get after racing Set: ok=%v err=%v item=%+v", ok, err, got)
	}
	remoteItem, _, _ := remote.Get(ctx, "k")
	if remoteItem.Value.Name != "new" {
		t.Fatalf("remote holds %q", remoteItem.Value.Name)
	}
}
