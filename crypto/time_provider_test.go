package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTimeProvider(t *testing.T) {
	dp := DefaultTimeProvider{}

	before := time.Now()
	now := dp.Now()
	after := time.Now()
	assert.False(t, now.Before(before) || now.After(after))

	since := dp.Since(time.Now().Add(-time.Hour))
	assert.GreaterOrEqual(t, since, time.Hour)
	assert.Less(t, since, time.Hour+time.Second)
}

func TestManualTimeProvider(t *testing.T) {
	start := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := NewManualTimeProvider(start)
	assert.Equal(t, start, clock.Now())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), clock.Now())
	assert.Equal(t, 1500*time.Millisecond, clock.Since(start))
}

func TestPackageLevelTimeProvider(t *testing.T) {
	original := GetDefaultTimeProvider()
	defer SetDefaultTimeProvider(original)

	clock := NewManualTimeProvider(time.Unix(1000, 0))
	SetDefaultTimeProvider(clock)
	assert.Equal(t, clock, GetDefaultTimeProvider())
	assert.Equal(t, clock, ProviderOrDefault(nil))

	other := DefaultTimeProvider{}
	assert.Equal(t, other, ProviderOrDefault(other))

	SetDefaultTimeProvider(nil)
	_, ok := GetDefaultTimeProvider().(DefaultTimeProvider)
	assert.True(t, ok)
}
