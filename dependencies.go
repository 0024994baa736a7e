package depcache

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/store"
	"github.com/unkn0wn-root/depcache/version"
)

// dependencyBackend keeps an invalidation graph next to the values:
//
//	P:value:K         list [version, frame]
//	P:dependencies:K  "version\ndep1\n...\ndepN"
//	P:dependency:D    set of keys depending on D
//
// Every mutation is an optimistic transaction conditioned on the state it
// read; the version token ties a value to its dependencies record.
type dependencyBackend[V any] struct {
	*redisBackend[V]
	tx       *txEngine
	versions version.Source
}

var _ Backend[struct{}] = (*dependencyBackend[struct{}])(nil)

func (b *dependencyBackend[V]) Features() Features {
	return Features{Dependencies: true, Events: true}
}

// Get returns the value with its dependency names. A version mismatch
// between the value and its record means a writer committed between the two
// reads; the whole read is retried.
func (b *dependencyBackend[V]) Get(ctx context.Context, key string) (Item[V], bool, error) {
	vk := b.keys.Value(key)
	attempts := b.tx.maxRetries + 1
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Item[V]{}, false, err
		}
		vals, err := b.store.ListRange(ctx, vk, 0, -1)
		if err != nil {
			return Item[V]{}, false, err
		}
		if len(vals) == 0 {
			return Item[V]{}, false, nil
		}
		if len(vals) != 2 {
			return Item[V]{}, false, b.invalid(vk, fmt.Errorf("%w: value list has %d elements", wire.ErrCorrupt, len(vals)))
		}
		ver := string(vals[0])

		var deps []string
		if ver != wire.NoDependencyVersion {
			dk := b.keys.Dependencies(key)
			rec, ok, err := b.store.Get(ctx, dk)
			if err != nil {
				return Item[V]{}, false, err
			}
			if !ok {
				b.repairMissingRecord(key, ver)
				return Item[V]{}, false, nil
			}
			recVer, recDeps, err := wire.DecodeDependencies(string(rec))
			if err != nil {
				return Item[V]{}, false, b.invalid(dk, err)
			}
			if recVer != ver {
				b.hooks.TransactionConflict("get", key, i)
				continue
			}
			deps = recDeps
		}

		item, err := b.decodeFrame(vk, vals[1])
		if err != nil {
			return Item[V]{}, false, err
		}
		item.Dependencies = deps
		b.touch(vk, item.Config.SlidingExpiration)
		return item, true, nil
	}
	b.hooks.RetriesExhausted("get", key, attempts)
	return Item[V]{}, false, &RetryError{Op: "get", Key: key, Attempts: attempts, Err: ErrTooManyGetAttempts}
}

// repairMissingRecord drops a value whose dependencies record is gone. The
// delete is guarded so a concurrent Set is never undone.
func (b *dependencyBackend[V]) repairMissingRecord(key, ver string) {
	vk := b.keys.Value(key)
	dk := b.keys.Dependencies(key)
	b.bg.Go("repair-missing-dependencies", func(ctx context.Context) error {
		tx := b.store.Tx()
		tx.AddCondition(store.ListIndexEqual(vk, 0, []byte(ver)))
		tx.AddCondition(store.KeyNotExists(dk))
		tx.Del(vk)
		ok, err := tx.Exec(ctx)
		if ok && err == nil {
			b.hooks.ItemRepaired(vk, "missing_dependencies")
			b.log.Info("removed value without dependencies record", log.Fields{"key": key, "version": ver})
		}
		return err
	})
}

// Set replaces the value, its record and its memberships in one
// transaction. Under a race one writer's bundle wins entirely.
func (b *dependencyBackend[V]) Set(ctx context.Context, key string, item Item[V]) error {
	deps := dedupe(item.Dependencies)
	if err := validateDependencies(deps); err != nil {
		return err
	}
	frame, err := b.encodeFrame(item, false)
	if err != nil {
		return err
	}
	ttl := b.ttl(item.Config)
	vk := b.keys.Value(key)
	dk := b.keys.Dependencies(key)

	return b.tx.retry(ctx, "set", key, ErrTooManyTransactionAttempts, func(ctx context.Context) (bool, error) {
		tx := b.store.Tx()
		cur, exists, err := b.store.ListIndex(ctx, vk, 0)
		if err != nil {
			return false, err
		}
		if exists {
			tx.AddCondition(store.ListIndexEqual(vk, 0, cur))
			tx.Del(vk)
			if string(cur) != wire.NoDependencyVersion {
				if _, err := b.tx.unlink(ctx, tx, key); err != nil {
					return false, err
				}
			}
		} else {
			tx.AddCondition(store.KeyNotExists(vk))
			// A record without value is left behind by an unreconciled eviction.
			if _, err := b.tx.unlink(ctx, tx, key); err != nil {
				return false, err
			}
		}

		ver := wire.NoDependencyVersion
		if len(deps) > 0 {
			if ver, err = b.versions.Next(ctx); err != nil {
				return false, fmt.Errorf("depcache: version token: %w", err)
			}
			for _, d := range deps {
				tx.SAdd(b.keys.Dependency(d), key)
			}
			tx.Set(dk, []byte(wire.EncodeDependencies(ver, deps)), 0)
		}
		tx.RPush(vk, []byte(ver), frame)
		if ttl > 0 {
			tx.Expire(vk, ttl)
		}
		return tx.Exec(ctx)
	})
}

// Remove deletes the value, its record and its memberships, then publishes
// item-removed.
func (b *dependencyBackend[V]) Remove(ctx context.Context, key string) error {
	err := b.tx.retry(ctx, "remove", key, ErrTooManyTransactionAttempts, func(ctx context.Context) (bool, error) {
		tx := b.store.Tx()
		if _, err := b.tx.deleteItem(ctx, tx, key); err != nil {
			return false, err
		}
		return tx.Exec(ctx)
	})
	if err != nil {
		return err
	}
	return b.publish(ctx, wire.EventItemRemoved, key)
}

func (b *dependencyBackend[V]) ContainsDependency(ctx context.Context, dependency string) (bool, error) {
	return b.store.Exists(ctx, b.keys.Dependency(dependency))
}

// InvalidateDependency removes every item depending on dependency in one
// transaction, then publishes a dependency event and one item-invalidated
// event per removed item. Memberships whose item no longer lists the
// dependency are dropped without touching the item.
func (b *dependencyBackend[V]) InvalidateDependency(ctx context.Context, dependency string) error {
	depKey := b.keys.Dependency(dependency)
	var removed []string

	err := b.tx.retry(ctx, "invalidate", dependency, ErrTooManyTransactionAttempts, func(ctx context.Context) (bool, error) {
		removed = removed[:0]
		members, err := b.store.SetMembers(ctx, depKey)
		if err != nil {
			return false, err
		}
		if len(members) == 0 {
			return true, nil
		}
		tx := b.store.Tx()
		for _, m := range members {
			u, err := b.tx.observe(ctx, tx, m)
			if err != nil {
				return false, err
			}
			if u.found && contains(u.deps, dependency) {
				b.tx.queueUnlink(tx, m, u)
				tx.Del(b.keys.Value(m))
				removed = append(removed, m)
			}
		}
		// Drops stale members too.
		tx.SRem(depKey, members...)
		return tx.Exec(ctx)
	})
	if err != nil || len(removed) == 0 {
		return err
	}

	if err := b.publish(ctx, wire.EventDependency, dependency); err != nil {
		return err
	}
	for _, k := range removed {
		if err := b.publish(ctx, wire.EventItemInvalidated, k); err != nil {
			return err
		}
	}
	b.log.Debug("dependency invalidated", log.Fields{"dependency": dependency, "items": len(removed)})
	return nil
}
