package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffMicros(t *testing.T) {
	t1 := time.Unix(100, 0)
	assert.Equal(t, int64(250000), DiffMicros(t1, t1.Add(250*time.Millisecond)))
	assert.Equal(t, int64(-1), DiffMicros(t1.Add(time.Microsecond), t1))
	assert.Equal(t, int64(0), DiffMicros(t1, t1))
}

func TestManual_SleepAdvances(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	m.Sleep(10 * time.Millisecond)
	require.Equal(t, start.Add(10*time.Millisecond), m.Now())
}

func TestManual_OnAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var seen []time.Time
	m.OnAdvance(func(now time.Time) { seen = append(seen, now) })

	m.Advance(time.Second)
	m.Sleep(time.Second)

	require.Len(t, seen, 2)
	assert.Equal(t, time.Unix(2, 0), seen[1])
}

func TestSystem_Monotonic(t *testing.T) {
	var c Clock = System{}
	t1 := c.Now()
	c.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, DiffMicros(t1, c.Now()), int64(1000))
}
