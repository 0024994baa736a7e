// Package store defines the key-value capability depcache needs from Redis:
// strings, lists, sets, optimistic transactions, pub/sub and key scans.
//
// Implementations:
//   - redisstore: go-redis UniversalClient (single node, sentinel, cluster).
//   - memstore: in-process store for tests and embedded use.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned (possibly wrapped) once the underlying transport is gone.
	ErrClosed = errors.New("store: closed")
	// ErrWrongType is returned when a key holds a different data type than the command expects.
	ErrWrongType = errors.New("store: wrong type for key")
)

// Store must be safe for concurrent use.
// Reads return ok=false (not an error) for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes a string value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Expire reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	ListIndex(ctx context.Context, key string, index int64) ([]byte, bool, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	SetMembers(ctx context.Context, key string) ([]string, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	// Scan calls fn for every key matching the glob pattern, on every node.
	// Keys changed during the scan may or may not be reported.
	Scan(ctx context.Context, match string, fn func(key string) error) error

	Tx() Tx

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, ch Channel, h func(Message)) (Subscription, error)

	Close() error
}

// Tx queues commands that run atomically on Exec, provided every condition holds.
type Tx interface {
	AddCondition(c Condition)

	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
	RPush(key string, values ...[]byte)
	Expire(key string, ttl time.Duration)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)

	// Exec returns committed=false (and nil error) when a condition failed or
	// a watched key changed; nothing was written in that case.
	Exec(ctx context.Context) (committed bool, err error)
}

type ConditionKind int

const (
	CondKeyExists ConditionKind = iota + 1
	CondKeyNotExists
	CondStringEqual
	CondListIndexEqual
)

// Condition is a transaction precondition on a single key.
type Condition struct {
	Kind  ConditionKind
	Key   string
	Index int64
	Value []byte
}

func KeyExists(key string) Condition    { return Condition{Kind: CondKeyExists, Key: key} }
func KeyNotExists(key string) Condition { return Condition{Kind: CondKeyNotExists, Key: key} }

// StringEqual holds when key is a string equal to value.
func StringEqual(key string, value []byte) Condition {
	return Condition{Kind: CondStringEqual, Key: key, Value: value}
}

// ListIndexEqual holds when key is a list whose element at index equals value.
func ListIndexEqual(key string, index int64, value []byte) Condition {
	return Condition{Kind: CondListIndexEqual, Key: key, Index: index, Value: value}
}

// StringUnchanged is StringEqual when the key was observed, KeyNotExists otherwise.
func StringUnchanged(key string, observed []byte, existed bool) Condition {
	if existed {
		return StringEqual(key, observed)
	}
	return KeyNotExists(key)
}

// Channel names a pub/sub channel or, with Pattern set, a glob pattern.
type Channel struct {
	Name    string
	Pattern bool
}

type Message struct {
	Channel string // concrete channel the message was published on
	Pattern string // matching pattern for pattern subscriptions
	Payload string
}

// Subscription is live until Close. Connected reports whether the server
// acknowledged the subscription.
type Subscription interface {
	Connected() bool
	Close() error
}
