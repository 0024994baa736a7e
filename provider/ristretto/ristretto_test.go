package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetIsVisibleToNextGet(t *testing.T) {
	ctx := context.Background()
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "k", []byte("v"), 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	got, hit, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, p.Del(ctx, "k"))
	_, hit, _ = p.Get(ctx, "k")
	assert.False(t, hit)
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "short", []byte("v"), 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, hit, _ := p.Get(ctx, "short")
		return !hit
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics = true
	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close(context.Background())
	assert.NotNil(t, p.Metrics())
}
