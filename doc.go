// Package depcache implements a Redis-backed distributed cache whose items
// can declare dependencies. Invalidating a dependency removes every item that
// declared it, atomically, and tells other instances about it over pub/sub.
//
// Components:
//   - Backend[V]: the cache API. New builds a plain Redis backend, a
//     dependency-aware one, or either behind an in-memory layer.
//   - store.Store: the Redis command surface (redisstore, or memstore for tests).
//   - codec: (de)serializes V <-> []byte.
//   - version.Source: tokens tying a value to its dependencies record.
//   - Collector: repairs what expiry, eviction and partial failures leave behind.
//
// Keys (P is the prefix):
//
//	P:value:K         list [version, frame]
//	P:dependencies:K  "version\ndep1\n...\ndepN"
//	P:dependency:D    set of keys depending on D
//	P:events          pub/sub channel, "kind:source:key"
//
// Items without dependencies carry version "-" and no record. Under Redis
// Cluster, put the prefix in a hash tag ("{app}") so one transaction can
// touch every key of a bundle.
//
// Usage:
//
//	st, err := redisstore.New(redisstore.Config{Client: rdb})
//	b, err := depcache.New[User](ctx, depcache.Options[User]{
//	    Store:                st,
//	    Prefix:               "app",
//	    SupportsDependencies: true,
//	})
//	_ = b.Set(ctx, "user:1", depcache.Item[User]{Value: u, Dependencies: []string{"org:7"}})
//	_ = b.InvalidateDependency(ctx, "org:7") // user:1 is gone
package depcache
