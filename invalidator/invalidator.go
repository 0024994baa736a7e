// Package invalidator keeps independent in-memory caches in step over a
// pub/sub channel. It stores no values itself: removals and dependency
// invalidations on one instance are published, and every other instance
// applies them to its local target.
package invalidator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/depcache"
	"github.com/unkn0wn-root/depcache/hooks"
	"github.com/unkn0wn-root/depcache/internal/defaults"
	"github.com/unkn0wn-root/depcache/internal/keys"
	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/notify"
	"github.com/unkn0wn-root/depcache/store"
)

// Target is a local backend that can apply invalidations from elsewhere.
// *depcache.MemoryBackend satisfies it.
type Target[V any] interface {
	depcache.Backend[V]
	ApplyRemoteInvalidation(ctx context.Context, e depcache.Event) error
}

type Options[V any] struct {
	Target Target[V]
	Store  store.Store
	// OwnsStore makes Close close Store.
	OwnsStore bool

	Prefix  string // "" => "depcache"
	Channel string // "" => "<prefix>:invalidation"

	ConnectTimeout time.Duration // 0 => 30s

	Logger log.Logger
	Hooks  hooks.Hooks
}

// Synchronizer is a depcache.Backend that delegates to its Target and
// broadcasts Remove and InvalidateDependency to the other instances.
type Synchronizer[V any] struct {
	target    Target[V]
	store     store.Store
	ownsStore bool
	channel   string
	log       log.Logger
	proc      *notify.Processor

	closeOnce sync.Once
	closeErr  error
}

var _ depcache.Backend[struct{}] = (*Synchronizer[struct{}])(nil)

func New[V any](ctx context.Context, opts Options[V]) (*Synchronizer[V], error) {
	if opts.Target == nil {
		return nil, errors.New("invalidator: target is required")
	}
	if opts.Store == nil {
		return nil, depcache.ErrNilStore
	}
	prefix := defaults.Coalesce(opts.Prefix, defaults.Prefix)
	if _, err := keys.New(prefix, 0); err != nil {
		return nil, err
	}
	channel := defaults.Coalesce(opts.Channel, prefix+":invalidation")
	lg := log.With(defaults.Coalesce[log.Logger](opts.Logger, log.Nop{}),
		log.Fields{"component": "invalidator", "channel": channel, "source": opts.Target.SourceID()})

	s := &Synchronizer[V]{
		target:    opts.Target,
		store:     opts.Store,
		ownsStore: opts.OwnsStore,
		channel:   channel,
		log:       lg,
	}
	p, err := notify.Start(ctx, opts.Store, []store.Channel{{Name: channel}}, s.receive, notify.Options{
		Name:           "invalidator",
		ConnectTimeout: defaults.Coalesce(opts.ConnectTimeout, defaults.ConnectTimeout),
		Logger:         lg,
		Hooks:          defaults.Coalesce[hooks.Hooks](opts.Hooks, hooks.Nop{}),
	})
	if err != nil {
		return nil, err
	}
	s.proc = p
	return s, nil
}

func (s *Synchronizer[V]) receive(ctx context.Context, m store.Message) error {
	e, err := wire.DecodeEvent(m.Payload)
	if err != nil {
		s.log.Warn("skipping malformed invalidation", log.Fields{"payload": m.Payload, "error": err})
		return nil
	}
	if e.Source == s.target.SourceID() {
		return nil
	}
	return s.target.ApplyRemoteInvalidation(ctx, depcache.Event{
		Kind:   depcache.EventKind(e.Kind),
		Source: e.Source,
		Key:    e.Key,
	})
}

// Send publishes e to every instance on the channel. An empty Source is
// filled with the target's source id.
func (s *Synchronizer[V]) Send(ctx context.Context, e depcache.Event) error {
	if e.Source == "" {
		e.Source = s.target.SourceID()
	}
	msg := wire.EncodeEvent(wire.Event{Kind: wire.EventKind(e.Kind), Source: e.Source, Key: e.Key})
	if err := s.store.Publish(ctx, s.channel, msg); err != nil {
		return fmt.Errorf("invalidator: publish %s: %w", e.Kind, err)
	}
	return nil
}

func (s *Synchronizer[V]) Get(ctx context.Context, key string) (depcache.Item[V], bool, error) {
	return s.target.Get(ctx, key)
}

func (s *Synchronizer[V]) Set(ctx context.Context, key string, item depcache.Item[V]) error {
	return s.target.Set(ctx, key, item)
}

func (s *Synchronizer[V]) Remove(ctx context.Context, key string) error {
	if err := s.target.Remove(ctx, key); err != nil {
		return err
	}
	return s.Send(ctx, depcache.Event{Kind: depcache.EventItemRemoved, Key: key})
}

func (s *Synchronizer[V]) Contains(ctx context.Context, key string) (bool, error) {
	return s.target.Contains(ctx, key)
}

func (s *Synchronizer[V]) ContainsDependency(ctx context.Context, dependency string) (bool, error) {
	return s.target.ContainsDependency(ctx, dependency)
}

func (s *Synchronizer[V]) InvalidateDependency(ctx context.Context, dependency string) error {
	if err := s.target.InvalidateDependency(ctx, dependency); err != nil {
		return err
	}
	return s.Send(ctx, depcache.Event{Kind: depcache.EventDependencyInvalidated, Key: dependency})
}

func (s *Synchronizer[V]) SourceID() string { return s.target.SourceID() }

func (s *Synchronizer[V]) Features() depcache.Features {
	f := s.target.Features()
	f.Events = true
	return f
}

func (s *Synchronizer[V]) WhenBackgroundTasksCompleted(ctx context.Context) error {
	return s.target.WhenBackgroundTasksCompleted(ctx)
}

// WaitReceived waits until every invalidation received so far was applied.
func (s *Synchronizer[V]) WaitReceived(ctx context.Context) error {
	return s.proc.WaitEmpty(ctx)
}

// Close unsubscribes, closes the target and, when owned, the store.
func (s *Synchronizer[V]) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.proc.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.target.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.ownsStore {
			if err := s.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
