package depcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/depcache/hooks"
	"github.com/unkn0wn-root/depcache/internal/keys"
	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/notify"
	"github.com/unkn0wn-root/depcache/store"
	"github.com/unkn0wn-root/depcache/version"
)

// redisBackend stores one value per key with a single SET. Dependencies are
// not supported; see dependencyBackend.
type redisBackend[V any] struct {
	store      store.Store
	ownsStore  bool
	keys       keys.Builder
	ser        *serializers[V]
	source     string
	defaultTTL time.Duration
	timeout    time.Duration
	log        log.Logger
	hooks      hooks.Hooks
	bg         *background

	events    *notify.Processor
	collector *Collector

	closeOnce sync.Once
	closeErr  error
}

var _ Backend[struct{}] = (*redisBackend[struct{}])(nil)

func newBackend[V any](ctx context.Context, opts Options[V]) (Backend[V], error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	kb, err := keys.New(coalesce(opts.Prefix, defaultPrefix), opts.Database)
	if err != nil {
		return nil, err
	}

	lg := coalesce[Logger](opts.Logger, NopLogger{})
	hk := coalesce[Hooks](opts.Hooks, NopHooks{})
	source := coalesce(opts.SourceID, uuid.NewString())
	lg = log.With(lg, log.Fields{"prefix": kb.Prefix(), "source": source})

	base := &redisBackend[V]{
		store:      opts.Store,
		ownsStore:  opts.OwnsStore,
		keys:       kb,
		ser:        newSerializers(opts.Serializer, opts.Codec),
		source:     source,
		defaultTTL: opts.DefaultExpiration,
		timeout:    coalesce(opts.ConnectionTimeout, defaultConnectTimeout),
		log:        lg,
		hooks:      hk,
		bg:         newBackground(lg, hk),
	}

	var be Backend[V] = base
	if opts.SupportsDependencies {
		be = &dependencyBackend[V]{
			redisBackend: base,
			tx: &txEngine{
				store:      opts.Store,
				keys:       kb,
				log:        lg,
				hooks:      hk,
				maxRetries: maxRetries(opts.TransactionMaxRetries),
			},
			versions: coalesce[version.Source](opts.Versions, version.UUID()),
		}
	}

	var lay *layered[V]
	if opts.LocalCaching {
		mem, err := NewMemory(MemoryOptions[V]{
			Provider:          opts.LocalCache,
			OwnsProvider:      opts.LocalCache == nil,
			Serializer:        opts.Serializer,
			Codec:             opts.Codec,
			DefaultExpiration: opts.DefaultExpiration,
			SourceID:          source,
			Logger:            lg,
			Hooks:             hk,
		})
		if err != nil {
			return nil, err
		}
		lay = newLayered(be, mem, lg, base.publish)
		be = lay
	}

	fail := func(err error) (Backend[V], error) {
		_ = be.Close(context.Background())
		return nil, err
	}

	if lay != nil || opts.OnEvent != nil {
		onEvent := opts.OnEvent
		err := base.listen(ctx, func(e Event) {
			if lay != nil {
				lay.apply(e)
			}
			if onEvent != nil {
				onEvent(e)
			}
		})
		if err != nil {
			return fail(err)
		}
	}

	if opts.RunGarbageCollector {
		if !opts.SupportsDependencies {
			return fail(fmt.Errorf("%w: garbage collector needs SupportsDependencies", ErrNotSupported))
		}
		col, err := NewCollector(ctx, CollectorOptions{
			Store:                 opts.Store,
			Prefix:                kb.Prefix(),
			Database:              opts.Database,
			ConnectionTimeout:     base.timeout,
			TransactionMaxRetries: opts.TransactionMaxRetries,
			Logger:                opts.Logger,
			Hooks:                 hk,
		})
		if err != nil {
			return fail(err)
		}
		base.collector = col
	}

	return be, nil
}

func (b *redisBackend[V]) SourceID() string { return b.source }

func (b *redisBackend[V]) Features() Features {
	return Features{Events: true}
}

func (b *redisBackend[V]) Get(ctx context.Context, key string) (Item[V], bool, error) {
	vk := b.keys.Value(key)
	raw, ok, err := b.store.Get(ctx, vk)
	if err != nil || !ok {
		return Item[V]{}, false, err
	}
	item, err := b.decodeFrame(vk, raw)
	if err != nil {
		return Item[V]{}, false, err
	}
	b.touch(vk, item.Config.SlidingExpiration)
	return item, true, nil
}

func (b *redisBackend[V]) Set(ctx context.Context, key string, item Item[V]) error {
	if len(item.Dependencies) > 0 {
		return fmt.Errorf("%w: item %q has dependencies", ErrNotSupported, key)
	}
	frame, err := b.encodeFrame(item, false)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, b.keys.Value(key), frame, b.ttl(item.Config))
}

// Remove deletes the value and tells other instances about it.
func (b *redisBackend[V]) Remove(ctx context.Context, key string) error {
	if err := b.store.Del(ctx, b.keys.Value(key)); err != nil {
		return err
	}
	return b.publish(ctx, wire.EventItemRemoved, key)
}

func (b *redisBackend[V]) Contains(ctx context.Context, key string) (bool, error) {
	return b.store.Exists(ctx, b.keys.Value(key))
}

func (b *redisBackend[V]) ContainsDependency(context.Context, string) (bool, error) {
	return false, ErrNotSupported
}

func (b *redisBackend[V]) InvalidateDependency(context.Context, string) error {
	return ErrNotSupported
}

func (b *redisBackend[V]) WhenBackgroundTasksCompleted(ctx context.Context) error {
	return b.bg.Wait(ctx)
}

// Close stops event delivery and the collector, waits for background tasks
// and closes the store when owned. Later calls return the first result.
func (b *redisBackend[V]) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		var errs []error
		if b.events != nil {
			if err := b.events.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("events processor: %w", err))
			}
		}
		if b.collector != nil {
			if err := b.collector.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("collector: %w", err))
			}
		}
		if err := b.bg.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("background tasks: %w", err))
		}
		if b.ownsStore {
			if err := b.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
				errs = append(errs, err)
			}
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}

// ttl resolves the physical TTL: NotRemovable => none, then absolute, then
// sliding, then the backend default. 0 means no expiry.
func (b *redisBackend[V]) ttl(c ItemConfig) time.Duration {
	switch {
	case c.Priority == PriorityNotRemovable:
		return 0
	case c.AbsoluteExpiration > 0:
		return c.AbsoluteExpiration
	case c.SlidingExpiration > 0:
		return c.SlidingExpiration
	default:
		return b.defaultTTL
	}
}

// sliding reports the window to refresh on reads; absolute expiration and
// NotRemovable items never slide.
func sliding(c ItemConfig) time.Duration {
	if c.Priority == PriorityNotRemovable || c.AbsoluteExpiration > 0 {
		return 0
	}
	return c.SlidingExpiration
}

func (b *redisBackend[V]) encodeFrame(item Item[V], withDeps bool) ([]byte, error) {
	payload, err := b.ser.encode(item.Value)
	if err != nil {
		return nil, fmt.Errorf("depcache: serialize: %w", err)
	}
	v := wire.Value{Sliding: sliding(item.Config), Payload: payload}
	if withDeps {
		v.Dependencies = item.Dependencies
	}
	return wire.EncodeValue(v)
}

func (b *redisBackend[V]) decodeFrame(storageKey string, raw []byte) (Item[V], error) {
	fr, err := wire.DecodeValue(raw)
	if err != nil {
		return Item[V]{}, b.invalid(storageKey, err)
	}
	v, err := b.ser.decode(fr.Payload)
	if err != nil {
		return Item[V]{}, b.invalid(storageKey, err)
	}
	return Item[V]{
		Value:        v,
		Dependencies: fr.Dependencies,
		Config:       ItemConfig{SlidingExpiration: fr.Sliding},
	}, nil
}

func (b *redisBackend[V]) invalid(storageKey string, err error) error {
	b.hooks.CorruptItem(storageKey, err)
	b.log.Warn("undecodable cache item", log.Fields{"key": storageKey, "error": err})
	return &InvalidItemError{Key: storageKey, Err: err}
}

// touch refreshes the TTL of a sliding item without blocking the read.
func (b *redisBackend[V]) touch(storageKey string, window time.Duration) {
	if window <= 0 {
		return
	}
	b.bg.Go("refresh-ttl", func(ctx context.Context) error {
		_, err := b.store.Expire(ctx, storageKey, window)
		return err
	})
}

func (b *redisBackend[V]) publish(ctx context.Context, kind wire.EventKind, key string) error {
	msg := wire.EncodeEvent(wire.Event{Kind: kind, Source: b.source, Key: key})
	if err := b.store.Publish(ctx, b.keys.Events(), msg); err != nil {
		return fmt.Errorf("depcache: publish %s: %w", kind, err)
	}
	return nil
}

// listen subscribes to the events channel. Undecodable messages are logged
// and skipped.
func (b *redisBackend[V]) listen(ctx context.Context, fn func(Event)) error {
	p, err := notify.Start(ctx, b.store, []store.Channel{{Name: b.keys.Events()}},
		func(_ context.Context, m store.Message) error {
			e, err := wire.DecodeEvent(m.Payload)
			if err != nil {
				b.log.Warn("skipping malformed event", log.Fields{"payload": m.Payload, "error": err})
				return nil
			}
			fn(Event{Kind: EventKind(e.Kind), Source: e.Source, Key: e.Key})
			return nil
		},
		notify.Options{
			Name:           "events",
			ConnectTimeout: b.timeout,
			Logger:         b.log,
			Hooks:          b.hooks,
		})
	if err != nil {
		return err
	}
	b.events = p
	return nil
}

// whenEventsProcessed waits until every event received so far was handled.
func (b *redisBackend[V]) whenEventsProcessed(ctx context.Context) error {
	if b.events == nil {
		return nil
	}
	return b.events.WaitEmpty(ctx)
}

// maxRetries maps 0 to the default and negative values to no retries.
func maxRetries(n int) int {
	if n < 0 {
		return 0
	}
	return coalesce(n, defaultTransactionMaxRetries)
}

func validateDependencies(deps []string) error {
	for _, d := range deps {
		if d == "" || strings.IndexByte(d, '\n') >= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidDependency, d)
		}
	}
	return nil
}
