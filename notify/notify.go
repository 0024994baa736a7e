// Package notify turns pub/sub subscriptions into an ordered, single-goroutine
// processing pipeline.
//
// Messages from every subscribed channel are appended to one unbounded FIFO
// by the transport's delivery goroutines and handed to the Handler one at a
// time, in arrival order. A slow handler delays later messages but never
// blocks the transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/depcache/hooks"
	"github.com/unkn0wn-root/depcache/internal/defaults"
	"github.com/unkn0wn-root/depcache/log"
	"github.com/unkn0wn-root/depcache/store"
)

const pollInterval = 10 * time.Millisecond

var (
	ErrConnectTimeout = errors.New("notify: subscription not connected in time")
	ErrDisposing      = errors.New("notify: processor is being disposed")
	ErrNoChannels     = errors.New("notify: no channels")
)

// TimeoutError reports the channel that failed to connect.
type TimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("notify: channel %q not connected within %s", e.Channel, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrConnectTimeout }

// Subscriber is the part of store.Store a processor needs.
type Subscriber interface {
	Subscribe(ctx context.Context, ch store.Channel, h func(store.Message)) (store.Subscription, error)
}

// Handler processes one message. Errors and panics are counted and logged;
// processing continues with the next message.
type Handler func(ctx context.Context, m store.Message) error

type Status int32

const (
	StatusDefault Status = iota
	StatusSuspended
	StatusDisposing
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusDefault:
		return "default"
	case StatusSuspended:
		return "suspended"
	case StatusDisposing:
		return "disposing"
	case StatusDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

type Options struct {
	// Name identifies the processor in logs and hooks.
	Name string
	// ConnectTimeout bounds the wait for each subscription. 0 => 30s.
	ConnectTimeout time.Duration
	Logger         log.Logger
	Hooks          hooks.Hooks
}

// Processor is the public handle. A finalizer on it reports processors that
// were garbage collected without Close.
type Processor struct {
	p *processor
}

type processor struct {
	name    string
	log     log.Logger
	hooks   hooks.Hooks
	handler Handler
	ctx     context.Context
	subs    []store.Subscription

	status atomic.Int32
	errs   atomic.Int64

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []store.Message
	inFlight  bool
	suspended bool
	closed    bool
	waiters   []chan struct{}

	done chan struct{} // run returned

	disposeOnce sync.Once
	disposed    chan struct{}
	disposeErr  error
}

// Start subscribes to every channel in order, waiting for each to report
// Connected, and then starts the processing goroutine. On failure the
// subscriptions made so far are closed.
func Start(ctx context.Context, sub Subscriber, channels []store.Channel, h Handler, opts Options) (*Processor, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	if opts.ConnectTimeout < 0 {
		opts.ConnectTimeout = 0
	}
	opts.ConnectTimeout = defaults.Coalesce(opts.ConnectTimeout, defaults.ConnectTimeout)
	opts.Logger = defaults.Coalesce[log.Logger](opts.Logger, log.Nop{})
	opts.Hooks = defaults.Coalesce[hooks.Hooks](opts.Hooks, hooks.Nop{})
	if opts.Name == "" {
		opts.Name = channels[0].Name
	}

	p := &processor{
		name:     opts.Name,
		log:      log.With(opts.Logger, log.Fields{"processor": opts.Name}),
		hooks:    opts.Hooks,
		handler:  h,
		ctx:      context.WithoutCancel(ctx),
		done:     make(chan struct{}),
		disposed: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for _, ch := range channels {
		s, err := sub.Subscribe(ctx, ch, p.enqueue)
		if err != nil {
			_ = p.unsubscribe()
			return nil, fmt.Errorf("notify: subscribe %q: %w", ch.Name, err)
		}
		p.subs = append(p.subs, s)
		if err := waitConnected(ctx, s, ch.Name, opts.ConnectTimeout); err != nil {
			_ = p.unsubscribe()
			return nil, err
		}
	}

	go p.run()

	outer := &Processor{p: p}
	runtime.SetFinalizer(outer, func(o *Processor) {
		if Status(o.p.status.Load()) >= StatusDisposing {
			return
		}
		o.p.log.Error("notification processor garbage collected without Close; subscriptions leaked", nil)
		o.p.startDispose(false)
	})
	p.log.Debug("notification processor started", log.Fields{"channels": len(channels)})
	return outer, nil
}

func waitConnected(ctx context.Context, s store.Subscription, name string, timeout time.Duration) error {
	if s.Connected() {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{Channel: name, Timeout: timeout}
		case <-tick.C:
			if s.Connected() {
				return nil
			}
		}
	}
}

// enqueue runs on transport goroutines.
func (p *processor) enqueue(m store.Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *processor) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for !p.closed && (p.suspended || len(p.queue) == 0) {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.releaseWaitersLocked()
			p.mu.Unlock()
			return
		}
		m := p.queue[0]
		p.queue[0] = store.Message{}
		p.queue = p.queue[1:]
		p.inFlight = true
		p.mu.Unlock()

		p.invoke(m)

		p.mu.Lock()
		p.inFlight = false
		if len(p.queue) == 0 {
			p.releaseWaitersLocked()
		}
		p.mu.Unlock()
	}
}

func (p *processor) invoke(m store.Message) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = p.handler(p.ctx, m)
	}()
	if err == nil {
		return
	}
	n := p.errs.Add(1)
	p.log.Error("notification handler failed", log.Fields{
		"channel": m.Channel,
		"error":   err,
		"errors":  n,
	})
	p.hooks.HandlerFailed(p.name, err)
}

func (p *processor) releaseWaitersLocked() {
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

func (p *processor) startDispose(unsubscribe bool) {
	p.disposeOnce.Do(func() {
		for {
			s := p.status.Load()
			if p.status.CompareAndSwap(s, int32(StatusDisposing)) {
				break
			}
		}
		go p.dispose(unsubscribe)
	})
}

func (p *processor) dispose(unsubscribe bool) {
	var err error
	if unsubscribe {
		err = p.unsubscribe()
	}

	p.mu.Lock()
	p.closed = true
	p.suspended = false
	p.mu.Unlock()
	p.cond.Broadcast()

	<-p.done
	p.disposeErr = err
	p.status.Store(int32(StatusDisposed))
	close(p.disposed)
	p.log.Debug("notification processor disposed", nil)
}

// unsubscribe closes every subscription. A transport that is already gone is
// not an error at this point.
func (p *processor) unsubscribe() error {
	var errs []error
	for _, s := range p.subs {
		if err := s.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Suspend pauses handler invocation. Messages keep queueing.
func (o *Processor) Suspend() error {
	p := o.p
	// status and suspended change together under mu.
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		switch s := Status(p.status.Load()); s {
		case StatusSuspended:
			return nil
		case StatusDefault:
			if !p.status.CompareAndSwap(int32(s), int32(StatusSuspended)) {
				continue
			}
			p.suspended = !p.closed
			return nil
		default:
			return ErrDisposing
		}
	}
}

// Resume lets queued messages flow to the handler again.
func (o *Processor) Resume() error {
	p := o.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		switch s := Status(p.status.Load()); s {
		case StatusDefault:
			return nil
		case StatusSuspended:
			if !p.status.CompareAndSwap(int32(s), int32(StatusDefault)) {
				continue
			}
			p.suspended = false
			p.cond.Broadcast()
			return nil
		default:
			return ErrDisposing
		}
	}
}

// WhenQueueEmpty returns a channel that is closed once no message is queued
// or being handled. A suspended processor with queued messages never
// becomes empty until resumed or disposed.
func (o *Processor) WhenQueueEmpty() <-chan struct{} {
	p := o.p
	ch := make(chan struct{})
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 && !p.inFlight {
		close(ch)
		return ch
	}
	p.waiters = append(p.waiters, ch)
	return ch
}

// WaitEmpty blocks until WhenQueueEmpty fires or ctx is done.
func (o *Processor) WaitEmpty(ctx context.Context) error {
	select {
	case <-o.WhenQueueEmpty():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorCount is the number of handler invocations that failed.
func (o *Processor) ErrorCount() int64 { return o.p.errs.Load() }

func (o *Processor) Status() Status { return Status(o.p.status.Load()) }

func (o *Processor) Name() string { return o.p.name }

// Close unsubscribes, drains queued messages through the handler and waits
// for the processing goroutine. Concurrent and repeated calls wait for the
// first one and return its result.
func (o *Processor) Close() error {
	runtime.SetFinalizer(o, nil)
	o.p.startDispose(true)
	<-o.p.disposed
	return o.p.disposeErr
}

// Shutdown is Close that stops waiting when ctx is done. Disposal keeps
// running in the background in that case.
func (o *Processor) Shutdown(ctx context.Context) error {
	runtime.SetFinalizer(o, nil)
	o.p.startDispose(true)
	select {
	case <-o.p.disposed:
		return o.p.disposeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
