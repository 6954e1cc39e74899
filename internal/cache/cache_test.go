package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache[V any](t *testing.T, name string, ttl time.Duration) *Cache[V] {
	t.Helper()
	c, err := New[V](name, ttl)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCachePutGetClear(t *testing.T) {
	c := newTestCache[[]byte](t, "image", 0)
	assert.Equal(t, "image", c.Name())

	_, ok := c.Get("a")
	assert.False(t, ok)

	require.True(t, c.Put("a", []byte("one")))
	require.True(t, c.Put("b", []byte("two")))
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "one", string(v))

	c.ClearCache()
	assert.Equal(t, 1, c.Clears())
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)

	// Still usable after a clear.
	require.True(t, c.Put("a", []byte("again")))
	v, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "again", string(v))
}

func TestCacheTTL(t *testing.T) {
	c := newTestCache[string](t, "presentation", 50*time.Millisecond)

	require.True(t, c.Put("manifest", "{}"))
	_, ok := c.Get("manifest")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Get("manifest")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewSizedDefaultsLimit(t *testing.T) {
	c, err := NewSized[string]("presentation", 0, 0)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.Put("k", "v"))
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
