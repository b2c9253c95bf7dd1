package hfp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hfpd/hfp"
	"hfpd/hfp/hfptest"
)

// inline posts run immediately, standing in for a loop.
func inline(fn func()) bool {
	fn()
	return true
}

func TestTimersFireOnce(t *testing.T) {
	clock := hfptest.NewClock()
	timers := hfp.NewTimers[string](clock, inline)

	fired := 0
	timers.Start("connect", time.Second, func() { fired++ })
	assert.True(t, timers.Pending("connect"))

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, fired)
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.False(t, timers.Pending("connect"))

	clock.Advance(time.Hour)
	assert.Equal(t, 1, fired)
}

func TestTimersRestartReplaces(t *testing.T) {
	clock := hfptest.NewClock()
	timers := hfp.NewTimers[string](clock, inline)

	var got []string
	timers.Start("vr", time.Second, func() { got = append(got, "first") })
	timers.Start("vr", 2*time.Second, func() { got = append(got, "second") })

	clock.Advance(time.Second)
	assert.Empty(t, got)
	clock.Advance(time.Second)
	assert.Equal(t, []string{"second"}, got)
}

func TestTimerFiringAfterCancelIsNoop(t *testing.T) {
	clock := hfptest.NewClock()
	var queued []func()
	post := func(fn func()) bool {
		queued = append(queued, fn)
		return true
	}
	timers := hfp.NewTimers[string](clock, post)

	fired := false
	timers.Start("dial", time.Second, func() { fired = true })
	clock.Advance(time.Second)
	require.Len(t, queued, 1)

	// The callback is already queued on the loop when the owner cancels.
	assert.True(t, timers.Cancel("dial"))
	queued[0]()
	assert.False(t, fired)
}

func TestTimersCancelAll(t *testing.T) {
	clock := hfptest.NewClock()
	timers := hfp.NewTimers[int](clock, inline)
	n := 0
	for i := 0; i < 3; i++ {
		timers.Start(i, time.Second, func() { n++ })
	}
	timers.CancelAll()
	clock.Advance(time.Minute)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, clock.Pending())
}

func TestLoopOrdersAndStops(t *testing.T) {
	loop := hfp.NewLoop(0)
	loop.Start()

	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, loop.Post(func() { seen = append(seen, i) }))
	}
	require.True(t, loop.Do(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	loop.Stop()
	assert.False(t, loop.Post(func() {}))
	assert.False(t, loop.Do(func() {}))
}

func TestLoopStopWithoutStart(t *testing.T) {
	loop := hfp.NewLoop(1)
	loop.Stop()
	assert.False(t, loop.Post(func() {}))
}

func TestDeferredFIFO(t *testing.T) {
	var d hfp.Deferred[string]
	d.Push("a")
	d.Push("b")
	d.Push("c")
	v, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, []string{"b", "c"}, d.Drain())
	_, ok = d.Pop()
	assert.False(t, ok)
}
