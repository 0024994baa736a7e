package depcache

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/depcache/hooks"
	"github.com/unkn0wn-root/depcache/log"
)

// background runs fire-and-forget housekeeping and lets Close wait for it.
type background struct {
	ctx   context.Context
	log   log.Logger
	hooks hooks.Hooks

	mu   sync.Mutex
	n    int
	idle chan struct{} // closed while n == 0
}

func newBackground(l log.Logger, h hooks.Hooks) *background {
	idle := make(chan struct{})
	close(idle)
	return &background{ctx: context.Background(), log: l, hooks: h, idle: idle}
}

func (bg *background) Go(task string, fn func(ctx context.Context) error) {
	bg.mu.Lock()
	if bg.n == 0 {
		bg.idle = make(chan struct{})
	}
	bg.n++
	bg.mu.Unlock()

	go func() {
		defer bg.done()
		if err := fn(bg.ctx); err != nil {
			bg.log.Warn("background task failed", log.Fields{"task": task, "error": err})
			bg.hooks.BackgroundTaskFailed(task, err)
		}
	}()
}

func (bg *background) done() {
	bg.mu.Lock()
	bg.n--
	if bg.n == 0 {
		close(bg.idle)
	}
	bg.mu.Unlock()
}

// Wait returns once every task started so far has finished.
func (bg *background) Wait(ctx context.Context) error {
	bg.mu.Lock()
	idle := bg.idle
	bg.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
