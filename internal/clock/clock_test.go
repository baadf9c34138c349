package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceReturnsBlockStart(t *testing.T) {
	c := New(48000)
	assert.Equal(t, uint64(0), c.Advance(480))
	assert.Equal(t, uint64(480), c.Advance(480))
	assert.Equal(t, uint64(960), c.Now())
	assert.Equal(t, 48000, c.Rate())
}

func TestNowIsMonotonicUnderConcurrentReads(t *testing.T) {
	c := New(48000)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var prev uint64
		for i := 0; i < 10000; i++ {
			now := c.Now()
			if now < prev {
				t.Errorf("clock went backwards: %d < %d", now, prev)
				return
			}
			prev = now
		}
	}()
	for i := 0; i < 10000; i++ {
		c.Advance(64)
	}
	wg.Wait()
}

func TestSamplesAndDuration(t *testing.T) {
	assert.Equal(t, uint64(144000), Samples(3*time.Second, 48000))
	assert.Equal(t, uint64(0), Samples(-time.Second, 48000))
	assert.Equal(t, 3*time.Second, Duration(144000, 48000))
	assert.Equal(t, 10*time.Millisecond, Duration(480, 48000))
	// Five hours of samples must not overflow.
	assert.Equal(t, 5*time.Hour, Duration(Samples(5*time.Hour, 48000), 48000))
}

func TestAnchorMapping(t *testing.T) {
	wall := time.Date(2026, 10, 25, 19, 0, 0, 0, time.UTC)
	a := Anchor{Sample: 48000 * 10, Wall: wall, Rate: 48000}

	assert.Equal(t, uint64(48000*13), a.SampleAt(wall.Add(3*time.Second)))
	assert.Equal(t, uint64(48000*7), a.SampleAt(wall.Add(-3*time.Second)))
	assert.Equal(t, uint64(0), a.SampleAt(wall.Add(-time.Minute)))
	assert.True(t, a.TimeAt(48000*13).Equal(wall.Add(3*time.Second)))
	assert.True(t, a.TimeAt(48000*9).Equal(wall.Add(-time.Second)))
}
