package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	const window = time.Minute
	now := int64(100_000_000)

	d := decide(true, 1, now, now, 3, window)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Zero(t, d.RetryAfter)

	// The oldest request entered 45s ago, so the window frees up in 15s.
	oldest := now - (45 * time.Second).Microseconds()
	d = decide(false, 3, oldest, now, 3, window)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 15*time.Second, d.RetryAfter)

	// Clock skew between replicas never yields a negative wait.
	d = decide(false, 3, now-window.Microseconds()-1, now, 3, window)
	assert.Zero(t, d.RetryAfter)
}
