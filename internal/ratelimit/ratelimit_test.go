package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowUpToLimitThenReject(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("c1"), "request %d within limit", i+1)
	}
	assert.False(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"), "independent clients have independent windows")
}

func TestWindowResets(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))

	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("c1"), "new window after reset")
}

func TestEvictDropsExpiredWindows(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("c1")
	l.Allow("c2")
	assert.Equal(t, 2, l.Len())

	now = now.Add(2 * time.Minute)
	l.evict()
	assert.Equal(t, 0, l.Len())
}
