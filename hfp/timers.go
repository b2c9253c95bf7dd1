package hfp

import "time"

// Clock abstracts time for the machines and their timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a pending timer.
type Stopper interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

type timerEntry struct {
	seq  uint64
	stop Stopper
}

// Timers is a registry of single-shot timers keyed by purpose. It is owned by
// a loop: Start, Cancel and Pending must be called from that loop, and timer
// callbacks are delivered through post. A timer that fires after it was
// cancelled or restarted finds no matching entry and does nothing.
type Timers[K comparable] struct {
	clock   Clock
	post    func(func()) bool
	seq     uint64
	entries map[K]timerEntry
}

// NewTimers creates a registry delivering callbacks through post.
func NewTimers[K comparable](clock Clock, post func(func()) bool) *Timers[K] {
	return &Timers[K]{clock: clock, post: post, entries: make(map[K]timerEntry)}
}

// Start arms the timer for key, replacing any timer already armed for it.
func (t *Timers[K]) Start(key K, d time.Duration, fire func()) {
	t.Cancel(key)
	t.seq++
	seq := t.seq
	stop := t.clock.AfterFunc(d, func() {
		t.post(func() {
			e, ok := t.entries[key]
			if !ok || e.seq != seq {
				return
			}
			delete(t.entries, key)
			fire()
		})
	})
	t.entries[key] = timerEntry{seq: seq, stop: stop}
}

// Cancel disarms the timer for key and reports whether one was armed.
func (t *Timers[K]) Cancel(key K) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	delete(t.entries, key)
	e.stop.Stop()
	return true
}

// Pending reports whether a timer is armed for key.
func (t *Timers[K]) Pending(key K) bool {
	_, ok := t.entries[key]
	return ok
}

// CancelAll disarms every timer.
func (t *Timers[K]) CancelAll() {
	for k := range t.entries {
		t.Cancel(k)
	}
}
