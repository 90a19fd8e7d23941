package http

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPThrottleBurst(t *testing.T) {
	throttle := NewIPThrottle(0.001, 3, 0, nil)
	defer throttle.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, throttle.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, throttle.Allow("10.0.0.1"))
	assert.True(t, throttle.Allow("10.0.0.2"))
}

func TestIPThrottleEvictsLeastRecentlyUsed(t *testing.T) {
	throttle := NewIPThrottle(0.001, 1, 2, nil)
	defer throttle.Stop()

	assert.True(t, throttle.Allow("a"))
	assert.True(t, throttle.Allow("b"))
	assert.False(t, throttle.Allow("a"))

	// "b" is now the oldest and makes room for "c"
	assert.True(t, throttle.Allow("c"))
	assert.Equal(t, 2, throttle.Len())

	// "b" comes back with a fresh bucket
	assert.True(t, throttle.Allow("b"))
}

func TestIPThrottleCleanup(t *testing.T) {
	throttle := NewIPThrottle(10, 10, 0, nil)
	defer throttle.Stop()

	for i := 0; i < 5; i++ {
		throttle.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 5, throttle.Len())

	throttle.Cleanup(time.Hour)
	assert.Equal(t, 5, throttle.Len())

	time.Sleep(5 * time.Millisecond)
	throttle.Cleanup(time.Millisecond)
	assert.Zero(t, throttle.Len())
}

func TestIPThrottleDisabled(t *testing.T) {
	throttle := NewIPThrottle(0, 0, 0, nil)
	defer throttle.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, throttle.Allow("10.0.0.1"))
	}
	assert.Zero(t, throttle.Len())
	assert.Nil(t, throttle.done, "no cleanup loop for a disabled throttle")
	throttle.Stop()
}

func TestIPThrottleStopEndsCleanupLoop(t *testing.T) {
	throttle := NewIPThrottle(1, 1, 0, nil)
	require.NotNil(t, throttle.done)

	throttle.Stop()
	select {
	case <-throttle.done:
	default:
		t.Fatal("cleanup loop still running after Stop")
	}
	throttle.Stop()
}
