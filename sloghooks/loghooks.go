package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/depcache/hooks"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ConflictEvery uint64
	RepairEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	conflictCtr atomic.Uint64
	repairCtr   atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) TransactionConflict(op, key string, attempt int) {
	if h.l == nil || !sample(h.opts.ConflictEvery, &h.conflictCtr) {
		return
	}
	h.l.Debug("depcache.transaction_conflict",
		"op", op,
		"key", h.redact(key),
		"attempt", attempt)
}

func (h *Hooks) RetriesExhausted(op, key string, attempts int) {
	if h.l == nil {
		return
	}
	h.l.Error("depcache.retries_exhausted",
		"op", op,
		"key", h.redact(key),
		"attempts", attempts)
}

func (h *Hooks) HandlerFailed(processor string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("depcache.handler_failed",
		"processor", processor,
		"err", err)
}

func (h *Hooks) ItemRepaired(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.RepairEvery, &h.repairCtr) {
		return
	}
	h.l.Info("depcache.item_repaired",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) BackgroundTaskFailed(task string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("depcache.background_task_failed",
		"task", task,
		"err", err)
}

func (h *Hooks) CorruptItem(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("depcache.corrupt_item",
		"key", h.redact(storageKey),
		"err", err)
}
