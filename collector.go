package depcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/depcache/internal/keys"
	"github.com/unkn0wn-root/depcache/internal/wire"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/notify"
	"github.com/unkn0wn-root/depcache/store"
)

// CollectorOptions configure a Collector. Store is required; Prefix and
// Database must match the backends writing the keys.
type CollectorOptions struct {
	Store    store.Store
	Prefix   string // "" => "depcache"
	Database int

	// DisableNotifications skips the keyspace subscription; only Collect
	// runs. Redis must publish keyspace events ("Kgx" or wider) otherwise.
	DisableNotifications bool

	ConnectionTimeout     time.Duration // 0 => 30s
	TransactionMaxRetries int           // 0 => 5

	Logger Logger
	Hooks  Hooks
}

// Collector keeps the dependency graph consistent. It reconciles values that
// Redis expired or evicted on its own, and Collect sweeps the whole prefix
// to repair whatever partial failures left behind.
//
// Every repair is a guarded transaction, so concurrent or repeated runs only
// do redundant work.
type Collector struct {
	tx     *txEngine
	events *notify.Processor
}

// CollectStats reports what one Collect run saw and repaired.
type CollectStats struct {
	Scanned          int
	ValueKeys        int
	DependenciesKeys int
	DependencyKeys   int
	Foreign          int // keys under the prefix with an unknown kind

	VersionMismatches   int // value and record disagreed; both removed
	MissingDependencies int // value without its record; value removed
	OrphanDependencies  int // record without its value; record removed
	StaleMemberships    int // reverse-index entries without a live listing item
}

func (s CollectStats) Repairs() int {
	return s.VersionMismatches + s.MissingDependencies + s.OrphanDependencies + s.StaleMemberships
}

func NewCollector(ctx context.Context, opts CollectorOptions) (*Collector, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	kb, err := keys.New(coalesce(opts.Prefix, defaultPrefix), opts.Database)
	if err != nil {
		return nil, err
	}
	lg := log.With(coalesce[Logger](opts.Logger, NopLogger{}), log.Fields{"component": "collector", "prefix": kb.Prefix()})
	c := &Collector{
		tx: &txEngine{
			store:      opts.Store,
			keys:       kb,
			log:        lg,
			hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
			maxRetries: maxRetries(opts.TransactionMaxRetries),
		},
	}
	if opts.DisableNotifications {
		return c, nil
	}
	c.events, err = notify.Start(ctx, opts.Store,
		[]store.Channel{{Name: kb.KeyspacePattern(), Pattern: true}},
		c.onKeyspace,
		notify.Options{
			Name:           "keyspace",
			ConnectTimeout: coalesce(opts.ConnectionTimeout, defaultConnectTimeout),
			Logger:         lg,
			Hooks:          c.tx.hooks,
		})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) onKeyspace(ctx context.Context, m store.Message) error {
	if m.Payload != "expired" && m.Payload != "evicted" {
		return nil
	}
	kind, key, ok := c.tx.keys.ParseKeyspaceChannel(m.Channel)
	if !ok {
		return nil
	}
	switch kind {
	case keys.KindValue:
		repaired, err := c.tx.reconcile(ctx, key)
		if err != nil {
			return fmt.Errorf("reconcile %q: %w", key, err)
		}
		if repaired {
			c.tx.hooks.ItemRepaired(c.tx.keys.Value(key), m.Payload)
			c.tx.log.Debug("reconciled removed value", log.Fields{"key": key, "event": m.Payload})
		}
	default:
		// Only value keys carry a TTL; losing bookkeeping keys needs a sweep.
		c.tx.log.Warn("bookkeeping key removed by the store; run Collect to repair",
			log.Fields{"kind": string(kind), "key": key, "event": m.Payload})
	}
	return nil
}

// Collect walks every key under the prefix on every node and repairs
// inconsistencies. It is O(keys) and meant for maintenance, not hot paths.
func (c *Collector) Collect(ctx context.Context) (CollectStats, error) {
	var st CollectStats
	err := c.tx.store.Scan(ctx, c.tx.keys.ScanPattern(), func(physical string) error {
		st.Scanned++
		kind, key, ok := c.tx.keys.Parse(physical)
		if !ok {
			st.Foreign++
			return nil
		}
		var err error
		switch kind {
		case keys.KindValue:
			st.ValueKeys++
			err = c.checkValue(ctx, key, &st)
		case keys.KindDependencies:
			st.DependenciesKeys++
			err = c.checkDependencies(ctx, key, &st)
		case keys.KindDependency:
			st.DependencyKeys++
			err = c.checkDependency(ctx, key, &st)
		}
		if errors.Is(err, store.ErrWrongType) {
			c.tx.log.Warn("skipping key with unexpected type", log.Fields{"key": physical})
			return nil
		}
		return err
	})
	c.tx.log.Info("collection finished", log.Fields{
		"scanned": st.Scanned,
		"repairs": st.Repairs(),
		"error":   err,
	})
	return st, err
}

// checkValue verifies a value against its dependencies record.
func (c *Collector) checkValue(ctx context.Context, key string, st *CollectStats) error {
	vk := c.tx.keys.Value(key)
	cur, ok, err := c.tx.store.ListIndex(ctx, vk, 0)
	if err != nil || !ok {
		return err
	}
	ver := string(cur)

	tx := c.tx.store.Tx()
	tx.AddCondition(store.ListIndexEqual(vk, 0, cur))
	u, err := c.tx.observe(ctx, tx, key)
	if err != nil {
		return err
	}

	var reason string
	switch {
	case ver == wire.NoDependencyVersion && !u.found:
		return nil
	case ver == wire.NoDependencyVersion:
		// Value is fine; only the stray record goes.
		c.tx.queueUnlink(tx, key, u)
		reason = "orphan_dependencies"
	case !u.found:
		tx.Del(vk)
		reason = "missing_dependencies"
	case u.version == ver:
		return nil
	default:
		c.tx.queueUnlink(tx, key, u)
		tx.Del(vk)
		reason = "version_mismatch"
	}
	return c.commit(ctx, tx, vk, reason, st)
}

// checkDependencies removes a record whose value is gone.
func (c *Collector) checkDependencies(ctx context.Context, key string, st *CollectStats) error {
	vk := c.tx.keys.Value(key)
	live, err := c.tx.store.Exists(ctx, vk)
	if err != nil || live {
		return err
	}
	tx := c.tx.store.Tx()
	tx.AddCondition(store.KeyNotExists(vk))
	u, err := c.tx.unlink(ctx, tx, key)
	if err != nil || !u.found {
		return err
	}
	return c.commit(ctx, tx, c.tx.keys.Dependencies(key), "orphan_dependencies", st)
}

// checkDependency drops members that have no live value or whose record no
// longer lists the dependency.
func (c *Collector) checkDependency(ctx context.Context, dep string, st *CollectStats) error {
	depKey := c.tx.keys.Dependency(dep)
	members, err := c.tx.store.SetMembers(ctx, depKey)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		vk := c.tx.keys.Value(m)
		live, err := c.tx.store.Exists(ctx, vk)
		if err != nil {
			return err
		}
		tx := c.tx.store.Tx()
		u, err := c.tx.observe(ctx, tx, m)
		if err != nil {
			return err
		}
		if live && u.found && contains(u.deps, dep) {
			continue
		}
		if live {
			tx.AddCondition(store.KeyExists(vk))
		} else {
			tx.AddCondition(store.KeyNotExists(vk))
			c.tx.queueUnlink(tx, m, u)
		}
		tx.SRem(depKey, m)
		if err := c.commit(ctx, tx, depKey, "stale_membership", st); err != nil {
			return err
		}
	}
	return nil
}

// commit executes a repair. A failed precondition means someone else changed
// the bundle meanwhile; that is left for the next run.
func (c *Collector) commit(ctx context.Context, tx store.Tx, storageKey, reason string, st *CollectStats) error {
	ok, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.tx.hooks.TransactionConflict("repair", storageKey, 1)
		return nil
	}
	switch reason {
	case "version_mismatch":
		st.VersionMismatches++
	case "missing_dependencies":
		st.MissingDependencies++
	case "orphan_dependencies":
		st.OrphanDependencies++
	case "stale_membership":
		st.StaleMemberships++
	}
	c.tx.hooks.ItemRepaired(storageKey, reason)
	c.tx.log.Info("repaired inconsistent item", log.Fields{"key": storageKey, "reason": reason})
	return nil
}

// WaitIdle waits until queued keyspace notifications were handled.
func (c *Collector) WaitIdle(ctx context.Context) error {
	if c.events == nil {
		return nil
	}
	return c.events.WaitEmpty(ctx)
}

// Suspend pauses notification handling; notifications keep queueing.
func (c *Collector) Suspend() error {
	if c.events == nil {
		return nil
	}
	return c.events.Suspend()
}

func (c *Collector) Resume() error {
	if c.events == nil {
		return nil
	}
	return c.events.Resume()
}

func (c *Collector) Close(ctx context.Context) error {
	if c.events == nil {
		return nil
	}
	return c.events.Shutdown(ctx)
}
