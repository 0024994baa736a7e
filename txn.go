package depcache

import (
	"context"

	"github.com/unkn0wn-root/depcache/hooks"
	"github.com/unkn0wn-root/depcache/internal/keys"
	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/store"
)

// txEngine holds the optimistic transaction steps shared by the dependency
// backend and the Collector.
type txEngine struct {
	store      store.Store
	keys       keys.Builder
	log        log.Logger
	hooks      hooks.Hooks
	maxRetries int
}

// attempt builds and executes one transaction; committed=false means a
// precondition failed and the caller should re-read and try again.
type attempt func(ctx context.Context) (committed bool, err error)

// retry runs fn up to maxRetries+1 times. There is no backoff between
// attempts. ctx is checked before every attempt; a dispatched transaction is
// never rolled back.
func (e *txEngine) retry(ctx context.Context, op, key string, exhausted error, fn attempt) error {
	attempts := e.maxRetries + 1
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := fn(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		e.hooks.TransactionConflict(op, key, i)
		e.log.Debug("transaction conflict, retrying", log.Fields{"op": op, "key": key, "attempt": i})
	}
	e.hooks.RetriesExhausted(op, key, attempts)
	e.log.Warn("transaction retries exhausted", log.Fields{"op": op, "key": key, "attempts": attempts})
	return &RetryError{Op: op, Key: key, Attempts: attempts, Err: exhausted}
}

// unlinked is what unlink observed about an item's dependencies record.
type unlinked struct {
	found   bool
	version string
	deps    []string
}

// observe reads key's dependencies record and makes its content (or
// absence) a precondition of tx.
func (e *txEngine) observe(ctx context.Context, tx store.Tx, key string) (unlinked, error) {
	dk := e.keys.Dependencies(key)
	raw, ok, err := e.store.Get(ctx, dk)
	if err != nil {
		return unlinked{}, err
	}
	tx.AddCondition(store.StringUnchanged(dk, raw, ok))
	if !ok {
		return unlinked{}, nil
	}
	ver, deps, derr := wire.DecodeDependencies(string(raw))
	if derr != nil {
		e.log.Warn("corrupt dependencies record", log.Fields{"key": dk, "error": derr})
		e.hooks.CorruptItem(dk, derr)
	}
	return unlinked{found: true, version: ver, deps: deps}, nil
}

// queueUnlink queues the removal of an observed record and of every
// reverse-index membership it lists.
func (e *txEngine) queueUnlink(tx store.Tx, key string, u unlinked) {
	if !u.found {
		return
	}
	for _, d := range u.deps {
		tx.SRem(e.keys.Dependency(d), key)
	}
	tx.Del(e.keys.Dependencies(key))
}

func (e *txEngine) unlink(ctx context.Context, tx store.Tx, key string) (unlinked, error) {
	u, err := e.observe(ctx, tx, key)
	if err != nil {
		return u, err
	}
	e.queueUnlink(tx, key, u)
	return u, nil
}

// deleteItem queues the removal of key's value, dependencies record and
// memberships.
func (e *txEngine) deleteItem(ctx context.Context, tx store.Tx, key string) (unlinked, error) {
	u, err := e.unlink(ctx, tx, key)
	if err != nil {
		return u, err
	}
	tx.Del(e.keys.Value(key))
	return u, nil
}

// reconcile cleans up after a value key vanished outside the transactional
// path (TTL expiry or eviction): if the value is still absent and the
// dependencies record unchanged, the record and its memberships go.
func (e *txEngine) reconcile(ctx context.Context, key string) (repaired bool, err error) {
	err = e.retry(ctx, "reconcile", key, ErrTooManyTransactionAttempts, func(ctx context.Context) (bool, error) {
		repaired = false
		vk := e.keys.Value(key)
		if live, err := e.store.Exists(ctx, vk); err != nil || live {
			return true, err
		}
		tx := e.store.Tx()
		tx.AddCondition(store.KeyNotExists(vk))
		u, err := e.unlink(ctx, tx, key)
		if err != nil || !u.found {
			return true, err
		}
		ok, err := tx.Exec(ctx)
		repaired = ok && err == nil
		return ok, err
	})
	return repaired, err
}

func dedupe(deps []string) []string {
	if len(deps) < 2 {
		return deps
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
