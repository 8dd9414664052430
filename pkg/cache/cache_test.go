package cache

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/metric"
)

func TestNewLRU_InvalidSize(t *testing.T) {
	_, err := NewLRU[int](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU[int](2, WithEvictionCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	assert.True(t, c.Set("a", 1))
	assert.True(t, c.Set("b", 2))
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, Statistics{Hits: 1, Misses: 1, Evictions: 1, Size: 2}, c.Stats())
}

func TestLRU_SetUpdates(t *testing.T) {
	c, err := NewLRU[string](2)
	require.NoError(t, err)

	assert.True(t, c.Set("k", "v1"))
	assert.False(t, c.Set("k", "v2"))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_GetOrSet(t *testing.T) {
	c, err := NewLRU[*int](1)
	require.NoError(t, err)

	calls := 0
	create := func() *int {
		calls++
		v := calls
		return &v
	}

	first := c.GetOrSet("a", create)
	again := c.GetOrSet("a", create)
	assert.Same(t, first, again)
	assert.Equal(t, 1, calls)

	c.GetOrSet("b", create)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"b"}, c.Keys())
}

func TestLRU_Delete(t *testing.T) {
	c, err := NewLRU[int](4)
	require.NoError(t, err)
	c.Set("a", 1)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Zero(t, c.Len())
}

func TestLRU_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU[int](1, WithMetrics[int](registry, "sampler"))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Get("a")
	c.Get("x")
	c.Set("b", 2)

	expected := `
# HELP ruuvigw_cache_evictions_total Entries evicted to stay within the size bound
# TYPE ruuvigw_cache_evictions_total counter
ruuvigw_cache_evictions_total{component="sampler"} 1
# HELP ruuvigw_cache_lookups_total Cache lookups by result
# TYPE ruuvigw_cache_lookups_total counter
ruuvigw_cache_lookups_total{component="sampler",result="hit"} 1
ruuvigw_cache_lookups_total{component="sampler",result="miss"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry.PrometheusRegistry(), strings.NewReader(expected),
		"ruuvigw_cache_evictions_total", "ruuvigw_cache_lookups_total"))

	// a second cache under the same prefix collides in the registry
	_, err = NewLRU[int](1, WithMetrics[int](registry, "sampler"))
	assert.Error(t, err)
}
