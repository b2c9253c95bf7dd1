package hfp

// Deferred is a FIFO of requests that arrived while a machine was in a
// transient state.
type Deferred[T any] struct {
	items []T
}

func (d *Deferred[T]) Push(v T) { d.items = append(d.items, v) }

// Pop removes and returns the oldest request.
func (d *Deferred[T]) Pop() (T, bool) {
	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	v := d.items[0]
	d.items[0] = zero
	d.items = d.items[1:]
	return v, true
}

func (d *Deferred[T]) Len() int { return len(d.items) }

// Drain removes and returns every request.
func (d *Deferred[T]) Drain() []T {
	out := d.items
	d.items = nil
	return out
}
