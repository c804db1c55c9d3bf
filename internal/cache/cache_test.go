package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()

	_, ok, err := c.Get(ctx, "price:1-month")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "price:1-month", "$9.99", time.Minute))
	v, ok, err := c.Get(ctx, "price:1-month")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "$9.99", v)
	assert.True(t, mr.Exists("fitcore:price:1-month"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "price:1-month")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache("not a url")
	assert.Error(t, err)
}

func TestRedisCache_TransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	mr.SetError("LOADING")
	_, ok, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(2, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Set(ctx, "b", "2", 0))
	require.NoError(t, c.Delete(ctx, "b"))
	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
}
