// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ConflictEvery: 10, // sample logs: ~every 10th transaction conflict
//	})
//
//	h := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer h.Close()
//
//	st, _ := redisstore.New(redisstore.Config{Client: rdb})
//	backend, _ := depcache.New[User](ctx, depcache.Options[User]{
//	    Store:                st,
//	    Prefix:               "app",
//	    Codec:                codec.JSON[User]{},
//	    SupportsDependencies: true,
//	    Hooks:                h, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/depcache/hooks"
)

type Hooks struct {
	inner hooks.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
	mu    sync.RWMutex
	done  bool
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(inner hooks.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close stops accepting events and waits for queued ones to run.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.done = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.done {
		return
	}
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) TransactionConflict(op, k string, n int) {
	h.try(func() { h.inner.TransactionConflict(op, k, n) })
}
func (h *Hooks) RetriesExhausted(op, k string, n int) {
	h.try(func() { h.inner.RetriesExhausted(op, k, n) })
}
func (h *Hooks) HandlerFailed(p string, err error) { h.try(func() { h.inner.HandlerFailed(p, err) }) }
func (h *Hooks) ItemRepaired(k, r string)          { h.try(func() { h.inner.ItemRepaired(k, r) }) }
func (h *Hooks) BackgroundTaskFailed(t string, err error) {
	h.try(func() { h.inner.BackgroundTaskFailed(t, err) })
}
func (h *Hooks) CorruptItem(k string, err error) { h.try(func() { h.inner.CorruptItem(k, err) }) }
