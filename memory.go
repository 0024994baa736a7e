package depcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/depcache/codec"
	"github.com/unkn0wn-root/depcache/hooks"
	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/provider"
	"github.com/unkn0wn-root/depcache/provider/ristretto"
)

type MemoryOptions[V any] struct {
	// Provider holds the frames; nil => ristretto with DefaultConfig.
	Provider provider.Provider
	// OwnsProvider makes Close close Provider. Forced on for the default.
	OwnsProvider bool

	Serializer codec.Factory[V]
	Codec      codec.Codec[V]

	DefaultExpiration time.Duration
	SourceID          string // "" => random UUID

	Logger Logger
	Hooks  Hooks
}

// MemoryBackend is an in-process Backend[V]. Frames carry their dependency
// names; an in-process index maps dependencies to keys. Nothing is published:
// cross-instance invalidation is the job of the invalidator package or of
// the two-layer backend.
type MemoryBackend[V any] struct {
	p          provider.Provider
	ownsP      bool
	ser        *serializers[V]
	defaultTTL time.Duration
	source     string
	log        log.Logger
	hooks      hooks.Hooks

	mu     sync.Mutex
	byDep  map[string]map[string]struct{}
	byKey  map[string][]string
	closed bool
}

var _ Backend[struct{}] = (*MemoryBackend[struct{}])(nil)

func NewMemory[V any](opts MemoryOptions[V]) (*MemoryBackend[V], error) {
	p, owns := opts.Provider, opts.OwnsProvider
	if p == nil {
		rp, err := ristretto.New(ristretto.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("depcache: default memory provider: %w", err)
		}
		p, owns = rp, true
	}
	return &MemoryBackend[V]{
		p:          p,
		ownsP:      owns,
		ser:        newSerializers(opts.Serializer, opts.Codec),
		defaultTTL: opts.DefaultExpiration,
		source:     coalesce(opts.SourceID, uuid.NewString()),
		log:        coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		byDep:      make(map[string]map[string]struct{}),
		byKey:      make(map[string][]string),
	}, nil
}

func (m *MemoryBackend[V]) SourceID() string { return m.source }

func (m *MemoryBackend[V]) Features() Features {
	return Features{Dependencies: true, LocalCache: true}
}

// Get refreshes the TTL of sliding items on every hit.
func (m *MemoryBackend[V]) Get(ctx context.Context, key string) (Item[V], bool, error) {
	raw, ok, err := m.p.Get(ctx, key)
	if err != nil {
		return Item[V]{}, false, err
	}
	if !ok {
		m.pruneIndex(ctx, key)
		return Item[V]{}, false, nil
	}
	fr, err := wire.DecodeValue(raw)
	if err != nil {
		return Item[V]{}, false, m.corrupt(ctx, key, err)
	}
	v, err := m.ser.decode(fr.Payload)
	if err != nil {
		return Item[V]{}, false, m.corrupt(ctx, key, err)
	}
	if fr.Sliding > 0 {
		m.slide(ctx, key, fr.Sliding)
	}
	return Item[V]{
		Value:        v,
		Dependencies: fr.Dependencies,
		Config:       ItemConfig{SlidingExpiration: fr.Sliding},
	}, true, nil
}

// corrupt drops an undecodable entry so the next read misses cleanly.
func (m *MemoryBackend[V]) corrupt(ctx context.Context, key string, err error) error {
	m.hooks.CorruptItem(key, err)
	m.log.Warn("undecodable local item dropped", log.Fields{"key": key, "error": err})
	_ = m.Remove(ctx, key)
	return &InvalidItemError{Key: key, Err: err}
}

func (m *MemoryBackend[V]) Set(ctx context.Context, key string, item Item[V]) error {
	deps := dedupe(item.Dependencies)
	if err := validateDependencies(deps); err != nil {
		return err
	}
	payload, err := m.ser.encode(item.Value)
	if err != nil {
		return fmt.Errorf("depcache: serialize: %w", err)
	}
	frame, err := wire.EncodeValue(wire.Value{
		Sliding:      sliding(item.Config),
		Dependencies: deps,
		Payload:      payload,
	})
	if err != nil {
		return err
	}

	// Writes hold mu so the index always matches the stored frames.
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := m.p.Set(ctx, key, frame, int64(len(frame)), m.ttl(item.Config))
	if err != nil {
		return err
	}
	if !ok {
		m.unindexLocked(key)
		m.log.Debug("local set dropped by provider", log.Fields{"key": key})
		return nil
	}
	m.indexLocked(key, deps)
	return nil
}

func (m *MemoryBackend[V]) ttl(c ItemConfig) time.Duration {
	switch {
	case c.Priority == PriorityNotRemovable:
		return 0
	case c.AbsoluteExpiration > 0:
		return c.AbsoluteExpiration
	case c.SlidingExpiration > 0:
		return c.SlidingExpiration
	default:
		return m.defaultTTL
	}
}

func (m *MemoryBackend[V]) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unindexLocked(key)
	return m.p.Del(ctx, key)
}

func (m *MemoryBackend[V]) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.p.Get(ctx, key)
	return ok, err
}

func (m *MemoryBackend[V]) ContainsDependency(_ context.Context, dependency string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byDep[dependency]) > 0, nil
}

// InvalidateDependency removes every local item that declared dependency.
func (m *MemoryBackend[V]) InvalidateDependency(ctx context.Context, dependency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for k := range m.byDep[dependency] {
		m.unindexLocked(k)
		if err := m.p.Del(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyRemoteInvalidation applies an event received from another instance.
func (m *MemoryBackend[V]) ApplyRemoteInvalidation(ctx context.Context, e Event) error {
	switch e.Kind {
	case EventItemRemoved, EventItemInvalidated:
		return m.Remove(ctx, e.Key)
	case EventDependencyInvalidated:
		return m.InvalidateDependency(ctx, e.Key)
	default:
		return fmt.Errorf("depcache: unknown event kind %q", e.Kind)
	}
}

func (m *MemoryBackend[V]) WhenBackgroundTasksCompleted(context.Context) error { return nil }

func (m *MemoryBackend[V]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.byDep, m.byKey = make(map[string]map[string]struct{}), make(map[string][]string)
	m.mu.Unlock()
	if m.ownsP {
		return m.p.Close(ctx)
	}
	return nil
}

// slide re-stores whatever frame is current so a concurrent Remove is never
// undone.
func (m *MemoryBackend[V]) slide(ctx context.Context, key string, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok, err := m.p.Get(ctx, key)
	if err == nil && ok {
		_, err = m.p.Set(ctx, key, cur, int64(len(cur)), window)
	}
	if err != nil {
		m.log.Warn("sliding refresh failed", log.Fields{"key": key, "error": err})
	}
}

// pruneIndex forgets a key the provider expired or evicted on its own.
func (m *MemoryBackend[V]) pruneIndex(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; !ok {
		return
	}
	if _, live, err := m.p.Get(ctx, key); err == nil && !live {
		m.unindexLocked(key)
	}
}

func (m *MemoryBackend[V]) indexLocked(key string, deps []string) {
	m.unindexLocked(key)
	if len(deps) == 0 {
		return
	}
	m.byKey[key] = deps
	for _, d := range deps {
		set := m.byDep[d]
		if set == nil {
			set = make(map[string]struct{})
			m.byDep[d] = set
		}
		set[key] = struct{}{}
	}
}

func (m *MemoryBackend[V]) unindexLocked(key string) {
	for _, d := range m.byKey[key] {
		if set := m.byDep[d]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(m.byDep, d)
			}
		}
	}
	delete(m.byKey, key)
}
