package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDuplicate_FirstSeenIsNotDuplicate(t *testing.T) {
	c := New(5 * time.Second)
	assert.False(t, c.IsDuplicate([]byte(`{"a":1}`)))
}

func TestIsDuplicate_RepeatWithinTTLIsDuplicate(t *testing.T) {
	c := New(5 * time.Second)
	payload := []byte(`{"fcmMessageId":"M1"}`)

	require.False(t, c.IsDuplicate(payload))
	assert.True(t, c.IsDuplicate(payload))
}

func TestIsDuplicate_RepeatAfterTTLIsNotDuplicate(t *testing.T) {
	c := New(5 * time.Second)
	payload := []byte(`{"fcmMessageId":"M1"}`)
	start := time.Now()
	c.now = func() time.Time { return start }

	require.False(t, c.IsDuplicate(payload))

	c.now = func() time.Time { return start.Add(10 * time.Second) }
	assert.False(t, c.IsDuplicate(payload))
}

func TestIsDuplicate_HitDoesNotRefreshTimestamp(t *testing.T) {
	c := New(5 * time.Second)
	payload := []byte(`{"fcmMessageId":"M1"}`)
	start := time.Now()
	c.now = func() time.Time { return start }
	require.False(t, c.IsDuplicate(payload))

	// At t=3s, still a duplicate, but must NOT refresh the insertedAt.
	c.now = func() time.Time { return start.Add(3 * time.Second) }
	require.True(t, c.IsDuplicate(payload))

	// At t=6s (6s after original insert), TTL has elapsed: must no longer
	// be a duplicate, proving the 3s hit did not reset the clock.
	c.now = func() time.Time { return start.Add(6 * time.Second) }
	assert.False(t, c.IsDuplicate(payload))
}

func TestIsDuplicate_EvictsExpiredEntriesOnceThresholdExceeded(t *testing.T) {
	c := New(1 * time.Millisecond)
	start := time.Now()
	c.now = func() time.Time { return start }

	for i := 0; i < evictionThreshold+1; i++ {
		c.IsDuplicate([]byte{byte(i), byte(i >> 8)})
	}
	require.Greater(t, c.Len(), evictionThreshold)

	// Advance past TTL and insert one more: the eviction sweep should fire
	// and shrink the map back down.
	c.now = func() time.Time { return start.Add(time.Second) }
	c.IsDuplicate([]byte("trigger-eviction"))

	assert.Less(t, c.Len(), evictionThreshold+2)
}

func TestFNV1a64_MatchesKnownVector(t *testing.T) {
	// "" -> offset basis; "a" -> well-known FNV-1a 64 test vector.
	assert.Equal(t, uint64(fnvOffset64), fnv1a64(nil))
	assert.Equal(t, uint64(0xaf63dc4c8601ec8c), fnv1a64([]byte("a")))
}
