package depcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/depcache/codec"
	"github.com/unkn0wn-root/depcache/provider"
	"github.com/unkn0wn-root/depcache/store"
	"github.com/unkn0wn-root/depcache/version"
)

// Backend is the cache API shared by the Redis backends, the in-memory
// backend and the two-layer backend. V is the caller's value type.
type Backend[V any] interface {
	// Get returns ok=false for a missing key; that is not an error.
	Get(ctx context.Context, key string) (item Item[V], ok bool, err error)
	// Set replaces the whole item, value and dependencies together.
	Set(ctx context.Context, key string, item Item[V]) error
	Remove(ctx context.Context, key string) error
	Contains(ctx context.Context, key string) (bool, error)

	// ContainsDependency and InvalidateDependency return ErrNotSupported
	// unless Features().Dependencies is set.
	ContainsDependency(ctx context.Context, dependency string) (bool, error)
	InvalidateDependency(ctx context.Context, dependency string) error

	// SourceID identifies this instance in published events.
	SourceID() string
	Features() Features

	// WhenBackgroundTasksCompleted waits for fire-and-forget housekeeping
	// (sliding TTL refreshes, repairs) scheduled so far.
	WhenBackgroundTasksCompleted(ctx context.Context) error
	Close(ctx context.Context) error
}

type Priority int

const (
	PriorityDefault Priority = iota
	PriorityLow
	PriorityHigh
	// PriorityNotRemovable items never get a TTL.
	PriorityNotRemovable
)

// ItemConfig is the expiration policy of one item. AbsoluteExpiration wins
// over SlidingExpiration; with neither, the backend default applies.
type ItemConfig struct {
	AbsoluteExpiration time.Duration
	SlidingExpiration  time.Duration
	Priority           Priority
}

type Item[V any] struct {
	Value        V
	Dependencies []string
	Config       ItemConfig
}

type Features struct {
	Dependencies bool // ContainsDependency / InvalidateDependency are supported
	Events       bool // removals are published to other instances
	LocalCache   bool // reads may be served from process memory
}

type EventKind string

const (
	EventItemRemoved           EventKind = "item-removed"
	EventDependencyInvalidated EventKind = "dependency"
	// EventItemInvalidated follows each item removed by a dependency
	// invalidation, and every Set made through a local-caching backend.
	EventItemInvalidated EventKind = "item-invalidated"
)

// Event is a cross-instance notification. Key is the logical item key, or
// the dependency name for EventDependencyInvalidated.
type Event struct {
	Kind   EventKind
	Source string
	Key    string
}

// Options configure a Redis-backed Backend. Only Store is required.
type Options[V any] struct {
	Store store.Store
	// OwnsStore makes Close close Store. Exactly one owner should close a
	// shared store.
	OwnsStore bool

	Prefix   string // key prefix; "" => "depcache". Must not contain ':'.
	Database int    // database index used in keyspace notification channels

	// Serializer wins over Codec. Neither => JSON.
	Serializer codec.Factory[V]
	Codec      codec.Codec[V]

	TransactionMaxRetries int // 0 => 5; attempts are retries + 1
	SupportsDependencies  bool

	// LocalCaching puts an in-memory layer in front of Redis. LocalCache
	// picks its byte store; nil => ristretto.
	LocalCaching bool
	LocalCache   provider.Provider

	ConnectionTimeout time.Duration // subscription wait; 0 => 30s
	DefaultExpiration time.Duration // 0 => no expiry

	// RunGarbageCollector starts a Collector that reconciles evicted and
	// expired items. Requires SupportsDependencies.
	RunGarbageCollector bool

	// OnEvent receives every event published on the events channel,
	// including this instance's own.
	OnEvent func(Event)

	Versions version.Source // nil => version.UUID()
	SourceID string         // "" => random UUID

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New builds a Backend over opts.Store. The returned backend is a plain
// Redis backend, a dependency-aware one (SupportsDependencies), and either of
// those behind an in-memory layer (LocalCaching).
func New[V any](ctx context.Context, opts Options[V]) (Backend[V], error) {
	return newBackend(ctx, opts)
}
