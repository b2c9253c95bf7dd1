package hfp

import "sync"

// DefaultQueueSize is the buffer of a Loop's queue.
const DefaultQueueSize = 64

// Loop runs posted functions one at a time on a single goroutine, giving the
// owner of the loop a totally ordered view of its inputs.
//
// Functions running on the loop must not call Do on the same loop.
type Loop struct {
	queue chan func()
	quit  chan struct{}
	done  chan struct{}
	start sync.Once
	stop  sync.Once
}

// NewLoop creates a stopped loop.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		queue: make(chan func(), size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start more than once is a no-op.
func (l *Loop) Start() {
	l.start.Do(func() { go l.run() })
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post enqueues fn and returns false if the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.quit:
		return false
	}
}

// Stop terminates the loop and waits for the running function, if any.
// Queued functions are dropped.
func (l *Loop) Stop() {
	l.stop.Do(func() { close(l.quit) })
	l.start.Do(func() { close(l.done) })
	<-l.done
}
