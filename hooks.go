package depcache

import "github.com/unkn0wn-root/depcache/hooks"

// Hooks receives high-signal events (conflicts, repairs, handler failures).
// See hooks/prom for counters and sloghooks for sampled logs.
type Hooks = hooks.Hooks

// NopHooks is the default no-op
type NopHooks = hooks.Nop
