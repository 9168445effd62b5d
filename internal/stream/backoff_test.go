package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DelayDoublesUntilCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, b.Delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, b.Delay(1000))
	assert.Equal(t, time.Second, b.Delay(-3))
}

func TestBackoff_JitterIsAdded(t *testing.T) {
	b := Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 500 * time.Millisecond,
		Rand:   func(n int64) int64 { return n - 1 },
	}
	assert.Equal(t, 2*time.Second+500*time.Millisecond-1, b.Delay(1))

	b.Rand = nil
	for i := 0; i < 50; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 4*time.Second+500*time.Millisecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := Backoff{}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(5), "max falls back to base")

	d := DefaultBackoff()
	d.Jitter = 0
	assert.Equal(t, 30*time.Second, d.Delay(10))
}
