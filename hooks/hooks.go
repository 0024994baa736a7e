// Package hooks defines lightweight callbacks for high-signal depcache events.
package hooks

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths and from the notification goroutine.
type Hooks interface {
	// An optimistic transaction lost a race and is about to be retried.
	// op ∈ {"set", "remove", "invalidate", "get", "reconcile", "repair"}
	TransactionConflict(op, key string, attempt int)

	// An operation gave up after exhausting its attempts.
	RetriesExhausted(op, key string, attempts int)

	// A notification handler returned an error or panicked.
	HandlerFailed(processor string, err error)

	// The collector (or a read) repaired an inconsistent bundle.
	// reason ∈ {"version_mismatch", "missing_dependencies", "orphan_dependencies",
	// "stale_membership", "expired", "evicted"}
	ItemRepaired(storageKey, reason string)

	// A fire-and-forget background task failed.
	BackgroundTaskFailed(task string, err error)

	// A stored payload could not be decoded.
	CorruptItem(storageKey string, err error)
}

// Nop is the default no-op
type Nop struct{}

func (Nop) TransactionConflict(string, string, int) {}
func (Nop) RetriesExhausted(string, string, int)    {}
func (Nop) HandlerFailed(string, error)             {}
func (Nop) ItemRepaired(string, string)             {}
func (Nop) BackgroundTaskFailed(string, error)      {}
func (Nop) CorruptItem(string, error)               {}
