package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/depcache/store"
)

var ErrNilClient = errors.New("redis store: nil client")

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	scanCount   int64
}

var _ store.Store = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	// CloseClient is the connection-ownership flag: set true only if this
	// store exclusively owns the client. Exactly one owner should close it.
	CloseClient bool
	ScanCount   int64 // COUNT hint for SCAN; 0 => 1000
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	count := cfg.ScanCount
	if count <= 0 {
		count = 1000
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient, scanCount: count}, nil
}

// Client exposes the underlying client (e.g. for version.Redis).
func (s *Redis) Client() goredis.UniversalClient { return s.rdb }

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return b, true, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0 // non-positive TTLs mean "no expiry"
	}
	return mapErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return mapErr(s.rdb.Del(ctx, keys...).Err())
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl > 0 {
		ok, err = s.rdb.PExpire(ctx, key, ttl).Result()
	} else {
		ok, err = s.rdb.Persist(ctx, key).Result()
		if err == nil && !ok {
			// PERSIST also answers 0 for keys without TTL
			ok, err = s.Exists(ctx, key)
		}
	}
	return ok, mapErr(err)
}

func (s *Redis) ListIndex(ctx context.Context, key string, index int64) ([]byte, bool, error) {
	b, err := s.rdb.LIndex(ctx, key, index).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return b, true, nil
}

func (s *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	m, err := s.rdb.SMembers(ctx, key).Result()
	return m, mapErr(err)
}

func (s *Redis) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	return ok, mapErr(err)
}

type scanner interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
}

// Scan walks every master of a cluster, or the single node otherwise.
func (s *Redis) Scan(ctx context.Context, match string, fn func(key string) error) error {
	if cc, ok := s.rdb.(*goredis.ClusterClient); ok {
		var mu sync.Mutex // ForEachMaster runs nodes concurrently
		return mapErr(cc.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
			return s.scanNode(ctx, node, match, func(k string) error {
				mu.Lock()
				defer mu.Unlock()
				return fn(k)
			})
		}))
	}
	return mapErr(s.scanNode(ctx, s.rdb, match, fn))
}

func (s *Redis) scanNode(ctx context.Context, node scanner, match string, fn func(string) error) error {
	it := node.Scan(ctx, 0, match, s.scanCount).Iterator()
	for it.Next(ctx) {
		if err := fn(it.Val()); err != nil {
			return err
		}
	}
	return it.Err()
}

func (s *Redis) Publish(ctx context.Context, channel, message string) error {
	return mapErr(s.rdb.Publish(ctx, channel, message).Err())
}

func (s *Redis) Subscribe(ctx context.Context, ch store.Channel, h func(store.Message)) (store.Subscription, error) {
	var ps *goredis.PubSub
	if ch.Pattern {
		ps = s.rdb.PSubscribe(ctx, ch.Name)
	} else {
		ps = s.rdb.Subscribe(ctx, ch.Name)
	}
	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.run(h)
	return sub, nil
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Redis) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type subscription struct {
	ps        *goredis.PubSub
	connected atomic.Bool
	closing   atomic.Bool
	done      chan struct{}
}

// run waits for the subscription acknowledgement, then delivers messages
// until the PubSub is closed. go-redis resubscribes on reconnect.
func (sub *subscription) run(h func(store.Message)) {
	defer close(sub.done)
	ctx := context.Background()
	for {
		msg, err := sub.ps.Receive(ctx)
		if err != nil {
			if sub.closing.Load() || errors.Is(err, goredis.ErrClosed) {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if _, ok := msg.(*goredis.Subscription); ok {
			break
		}
	}
	sub.connected.Store(true)
	for m := range sub.ps.Channel() {
		h(store.Message{Channel: m.Channel, Pattern: m.Pattern, Payload: m.Payload})
	}
}

func (sub *subscription) Connected() bool {
	return sub.connected.Load() && !sub.closing.Load()
}

func (sub *subscription) Close() error {
	if !sub.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := sub.ps.Close()
	<-sub.done
	return mapErr(err)
}

// mapErr translates go-redis errors into store errors, keeping the cause.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.ErrClosed):
		return fmt.Errorf("%w: %w", store.ErrClosed, err)
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return fmt.Errorf("%w: %w", store.ErrWrongType, err)
	default:
		return err
	}
}
