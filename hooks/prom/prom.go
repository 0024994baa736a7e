// Package prom exports depcache hook events as Prometheus counters.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/depcache/hooks"
)

// Hooks counts hook events. Register it once per registry.
type Hooks struct {
	Conflicts       *prometheus.CounterVec
	Exhausted       *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	Repairs         *prometheus.CounterVec
	TaskFailures    *prometheus.CounterVec
	CorruptItems    prometheus.Counter
}

var _ hooks.Hooks = (*Hooks)(nil)

// New creates the counters under namespace and registers them with reg.
// A nil reg leaves the counters unregistered.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	h := &Hooks{
		Conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_conflicts_total",
				Help:      "Optimistic transactions retried after a failed precondition",
			},
			[]string{"op"},
		),
		Exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_retries_exhausted_total",
				Help:      "Operations that gave up after the maximum number of attempts",
			},
			[]string{"op"},
		),
		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_handler_failures_total",
				Help:      "Notification handler invocations that returned an error or panicked",
			},
			[]string{"processor"},
		),
		Repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repairs_total",
				Help:      "Inconsistent value/dependency bundles repaired",
			},
			[]string{"reason"},
		),
		TaskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_task_failures_total",
				Help:      "Fire-and-forget background tasks that failed",
			},
			[]string{"task"},
		),
		CorruptItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrupt_items_total",
				Help:      "Stored payloads that could not be decoded",
			},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			h.Conflicts, h.Exhausted, h.HandlerFailures, h.Repairs, h.TaskFailures, h.CorruptItems,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *Hooks) TransactionConflict(op, _ string, _ int) { h.Conflicts.WithLabelValues(op).Inc() }
func (h *Hooks) RetriesExhausted(op, _ string, _ int)    { h.Exhausted.WithLabelValues(op).Inc() }
func (h *Hooks) HandlerFailed(p string, _ error)         { h.HandlerFailures.WithLabelValues(p).Inc() }
func (h *Hooks) ItemRepaired(_, reason string)           { h.Repairs.WithLabelValues(reason).Inc() }
func (h *Hooks) BackgroundTaskFailed(t string, _ error)  { h.TaskFailures.WithLabelValues(t).Inc() }
func (h *Hooks) CorruptItem(string, error)               { h.CorruptItems.Inc() }
