// Package hfptest provides a fake clock and a notification recorder for
// testing state machines built on package hfp.
package hfptest

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hfpd/hfp"
)

// Logger returns a logger discarding its output.
func Logger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l.WithField("name", "test")
}

// Clock is a manually advanced hfp.Clock.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
	clock   *Clock
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) hfp.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{at: c.now.Add(d), seq: c.seq, f: f, clock: c}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer due, in deadline
// order, on the calling goroutine.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*timer
	rest := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Recorder is an hfp.Notifier remembering every notification.
type Recorder struct {
	mu  sync.Mutex
	all []hfp.Notification
}

func (r *Recorder) Notify(n hfp.Notification) {
	r.mu.Lock()
	r.all = append(r.all, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []hfp.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hfp.Notification(nil), r.all...)
}

// Reset forgets recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.all = nil
	r.mu.Unlock()
}

// Connection returns the connection state changes of dev.
func (r *Recorder) Connection(dev hfp.Device) []hfp.ConnectionStateChanged {
	var out []hfp.ConnectionStateChanged
	for _, n := range r.All() {
		if c, ok := n.(hfp.ConnectionStateChanged); ok && c.Device == dev {
			out = append(out, c)
		}
	}
	return out
}

// Audio returns the audio state changes of dev.
func (r *Recorder) Audio(dev hfp.Device) []hfp.AudioStateChanged {
	var out []hfp.AudioStateChanged
	for _, n := range r.All() {
		if a, ok := n.(hfp.AudioStateChanged); ok && a.Device == dev {
			out = append(out, a)
		}
	}
	return out
}

// Calls returns the call changes of dev.
func (r *Recorder) Calls(dev hfp.Device) []hfp.CallChanged {
	var out []hfp.CallChanged
	for _, n := range r.All() {
		if c, ok := n.(hfp.CallChanged); ok && c.Device == dev {
			out = append(out, c)
		}
	}
	return out
}

// ActiveDevices returns the active device changes.
func (r *Recorder) ActiveDevices() []hfp.Device {
	var out []hfp.Device
	for _, n := range r.All() {
		if a, ok := n.(hfp.ActiveDeviceChanged); ok {
			out = append(out, a.Device)
		}
	}
	return out
}

// Count returns how many notifications satisfy match.
func (r *Recorder) Count(match func(hfp.Notification) bool) int {
	n := 0
	for _, x := range r.All() {
		if match(x) {
			n++
		}
	}
	return n
}
