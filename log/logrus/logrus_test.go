package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlog "github.com/unkn0wn-root/depcache/log"
)

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)
	l := New(base)

	l.Debug("hidden", dlog.Fields{"k": 1})
	l.Error("publish failed", dlog.Fields{"error": errors.New("down"), "channel": "app:events", "none": nil})
	l.Info("plain", nil)

	require.Len(t, hook.AllEntries(), 2)
	e := hook.AllEntries()[0]
	assert.Equal(t, logrus.ErrorLevel, e.Level)
	assert.Equal(t, "publish failed", e.Message)
	assert.Equal(t, "depcache", e.Data["component"])
	assert.Equal(t, "app:events", e.Data["channel"])
	assert.EqualError(t, e.Data[logrus.ErrorKey].(error), "down")
	assert.NotContains(t, e.Data, "none")

	assert.Equal(t, "plain", hook.LastEntry().Message)
}
