package asynchook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/depcache/hooks"
)

type recorder struct {
	hooks.Nop
	mu      sync.Mutex
	repairs []string
	block   chan struct{}
}

func (r *recorder) ItemRepaired(key, reason string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.repairs = append(r.repairs, key+"/"+reason)
	r.mu.Unlock()
}

func TestDeliversInOrderWithOneWorker(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 16)
	h.ItemRepaired("a", "expired")
	h.ItemRepaired("b", "evicted")
	h.Close()

	assert.Equal(t, []string{"a/expired", "b/evicted"}, rec.repairs)
}

func TestDropsWhenFullAndAfterClose(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	// One event blocks in the worker, one waits in the queue, the rest drop.
	for i := 0; i < 10; i++ {
		h.ItemRepaired("k", "stale_membership")
	}
	close(rec.block)
	h.Close()
	h.ItemRepaired("late", "expired")
	h.Close()

	assert.LessOrEqual(t, len(rec.repairs), 2)
	assert.NotContains(t, rec.repairs, "late/expired")
}
