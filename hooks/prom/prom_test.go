package prom

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooksCountEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := New("depcache", reg)
	require.NoError(t, err)

	h.TransactionConflict("set", "k", 1)
	h.TransactionConflict("set", "k", 2)
	h.RetriesExhausted("invalidate", "d", 6)
	h.HandlerFailed("events", errors.New("boom"))
	h.ItemRepaired("p:value:k", "version_mismatch")
	h.BackgroundTaskFailed("refresh", errors.New("x"))
	h.CorruptItem("p:value:k", errors.New("bad"))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.Conflicts.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Exhausted.WithLabelValues("invalidate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.HandlerFailures.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Repairs.WithLabelValues("version_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.TaskFailures.WithLabelValues("refresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.CorruptItems))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("depcache", reg)
	require.NoError(t, err)
	_, err = New("depcache", reg)
	assert.Error(t, err)
}

func TestNilRegistry(t *testing.T) {
	h, err := New("x", nil)
	require.NoError(t, err)
	h.CorruptItem("k", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.CorruptItems))
}
