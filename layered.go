package depcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
)

// layered puts a MemoryBackend in front of a Redis backend. Reads fill the
// local layer; events from other instances evict from it.
type layered[V any] struct {
	remote Backend[V]
	local  *MemoryBackend[V]
	log    log.Logger
	// announce tells other instances a key changed; nil publishes nothing.
	announce func(ctx context.Context, kind wire.EventKind, key string) error

	// epoch moves on every write and invalidation seen by this instance. A
	// remote read only fills the local layer if the epoch did not move
	// meanwhile. fillMu makes the check and the fill one step.
	fillMu sync.Mutex
	epoch  atomic.Uint64
}

var _ Backend[struct{}] = (*layered[struct{}])(nil)

func newLayered[V any](
	remote Backend[V],
	local *MemoryBackend[V],
	lg log.Logger,
	announce func(context.Context, wire.EventKind, string) error,
) *layered[V] {
	return &layered[V]{remote: remote, local: local, log: lg, announce: announce}
}

func (l *layered[V]) advance() {
	l.fillMu.Lock()
	l.epoch.Add(1)
	l.fillMu.Unlock()
}

func (l *layered[V]) SourceID() string { return l.remote.SourceID() }

func (l *layered[V]) Features() Features {
	f := l.remote.Features()
	f.LocalCache = true
	return f
}

func (l *layered[V]) Get(ctx context.Context, key string) (Item[V], bool, error) {
	seen := l.epoch.Load()
	item, ok, err := l.local.Get(ctx, key)
	if err == nil && ok {
		return item, true, nil
	}
	if err != nil {
		l.log.Warn("local read failed, falling back to remote", log.Fields{"key": key, "error": err})
	}
	item, ok, err = l.remote.Get(ctx, key)
	if err != nil || !ok {
		return item, ok, err
	}
	l.fill(ctx, key, item, seen)
	return item, true, nil
}

func (l *layered[V]) fill(ctx context.Context, key string, item Item[V], seen uint64) {
	l.fillMu.Lock()
	defer l.fillMu.Unlock()
	if l.epoch.Load() != seen {
		return
	}
	if err := l.local.Set(ctx, key, item); err != nil {
		l.log.Warn("local fill failed", log.Fields{"key": key, "error": err})
	}
}

// Set writes through and tells other instances to drop their copy. A local
// failure drops the local copy instead of failing the call.
//
// Writes move the epoch before the remote step and again before touching the
// local layer, so a fill carrying an older remote read either loses the check
// or is overwritten.
func (l *layered[V]) Set(ctx context.Context, key string, item Item[V]) error {
	l.advance()
	err := l.remote.Set(ctx, key, item)
	l.advance()
	if err != nil {
		_ = l.local.Remove(ctx, key)
		return err
	}
	if err := l.local.Set(ctx, key, item); err != nil {
		l.log.Warn("local write failed", log.Fields{"key": key, "error": err})
		_ = l.local.Remove(ctx, key)
	}
	if l.announce == nil {
		return nil
	}
	return l.announce(ctx, wire.EventItemInvalidated, key)
}

func (l *layered[V]) Remove(ctx context.Context, key string) error {
	l.advance()
	rerr := l.remote.Remove(ctx, key)
	l.advance()
	lerr := l.local.Remove(ctx, key)
	return errors.Join(rerr, lerr)
}

func (l *layered[V]) Contains(ctx context.Context, key string) (bool, error) {
	if ok, err := l.local.Contains(ctx, key); err == nil && ok {
		return true, nil
	}
	return l.remote.Contains(ctx, key)
}

// ContainsDependency asks the remote layer; the local index only knows what
// this instance happened to read.
func (l *layered[V]) ContainsDependency(ctx context.Context, dependency string) (bool, error) {
	return l.remote.ContainsDependency(ctx, dependency)
}

func (l *layered[V]) InvalidateDependency(ctx context.Context, dependency string) error {
	l.advance()
	rerr := l.remote.InvalidateDependency(ctx, dependency)
	l.advance()
	lerr := l.local.InvalidateDependency(ctx, dependency)
	return errors.Join(rerr, lerr)
}

func (l *layered[V]) WhenBackgroundTasksCompleted(ctx context.Context) error {
	return l.remote.WhenBackgroundTasksCompleted(ctx)
}

func (l *layered[V]) Close(ctx context.Context) error {
	return errors.Join(l.remote.Close(ctx), l.local.Close(ctx))
}

// apply evicts what another instance removed or invalidated. Own events were
// already applied locally by the call that published them.
func (l *layered[V]) apply(e Event) {
	l.advance()
	if e.Source == l.remote.SourceID() {
		return
	}
	if err := l.local.ApplyRemoteInvalidation(context.Background(), e); err != nil {
		l.log.Warn("applying remote invalidation failed",
			log.Fields{"kind": string(e.Kind), "key": e.Key, "error": err})
	}
}
