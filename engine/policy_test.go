package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/config"
)

func TestMACPolicy(t *testing.T) {
	p := newMACPolicy(config.CollectorConfig{
		Blacklist:         []string{"AA:AA:AA:AA:AA:AA"},
		WhitelistFromTags: true,
		BlacklistOnError:  true,
	}, map[string]string{"BB:BB:BB:BB:BB:BB": "sauna"})

	assert.Equal(t, DropBlacklisted, p.check("AA:AA:AA:AA:AA:AA"))
	assert.Equal(t, DropNotWhitelisted, p.check("CC:CC:CC:CC:CC:CC"))
	assert.Empty(t, p.check("BB:BB:BB:BB:BB:BB"))

	assert.False(t, p.markFailed("BB:BB:BB:BB:BB:BB"), "whitelisted macs are never learned")
	assert.True(t, p.markFailed("CC:CC:CC:CC:CC:CC"))
	assert.False(t, p.markFailed("CC:CC:CC:CC:CC:CC"))
	assert.Equal(t, []string{"AA:AA:AA:AA:AA:AA", "CC:CC:CC:CC:CC:CC"}, p.blacklisted())
}

func TestMACPolicy_NoLearning(t *testing.T) {
	p := newMACPolicy(config.CollectorConfig{}, nil)
	assert.Empty(t, p.check("CC:CC:CC:CC:CC:CC"))
	assert.False(t, p.markFailed("CC:CC:CC:CC:CC:CC"))
	assert.Empty(t, p.blacklisted())
}

func TestSampler(t *testing.T) {
	s, err := newSampler(time.Second, 2, nil)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, s.allow("A", at))
	assert.False(t, s.allow("A", at.Add(500*time.Millisecond)))
	assert.True(t, s.allow("A", at.Add(time.Second)))

	// a third mac pushes the least recently seen one out, so it starts fresh
	assert.True(t, s.allow("B", at))
	assert.True(t, s.allow("C", at))
	assert.Equal(t, 2, s.limiters.Len())
	assert.True(t, s.allow("A", at.Add(1100*time.Millisecond)))
}

func TestSampler_Disabled(t *testing.T) {
	s, err := newSampler(0, 0, nil)
	require.NoError(t, err)
	at := time.Now()
	assert.True(t, s.allow("A", at))
	assert.True(t, s.allow("A", at))
	assert.Zero(t, s.limiters.Len())
}
