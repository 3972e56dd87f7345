package eventbus

import (
	"iter"

	"github.com/VanDung-dev/eventnet/network"
)

// Reader is a forward-only view over the readable buffer of one event type.
// It is valid for the current tick only.
type Reader[E any] struct {
	entries []buffered[E]
	pos     int
	last    *network.Metadata
}

// ReaderOf returns a reader over the events of type E dispatched by the most
// recent Dispatch.
func ReaderOf[E any](b *Bus) *Reader[E] {
	return &Reader[E]{entries: channelFor[E](b).readable()}
}

// Next returns the next event, or false when the reader is exhausted.
func (r *Reader[E]) Next() (E, bool) {
	if r.pos >= len(r.entries) {
		var zero E
		r.last = nil
		return zero, false
	}
	entry := r.entries[r.pos]
	r.pos++
	r.last = entry.origin
	return entry.event, true
}

// Origin returns the network metadata of the event last returned by Next,
// or nil if it was published locally.
func (r *Reader[E]) Origin() *network.Metadata {
	return r.last
}

// Len returns the number of events not yet consumed.
func (r *Reader[E]) Len() int {
	return len(r.entries) - r.pos
}

// All yields the remaining events in publish order.
func (r *Reader[E]) All() iter.Seq[E] {
	return func(yield func(E) bool) {
		for {
			ev, ok := r.Next()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// WithOrigin yields the remaining events together with their origin.
func (r *Reader[E]) WithOrigin() iter.Seq2[E, *network.Metadata] {
	return func(yield func(E, *network.Metadata) bool) {
		for {
			ev, ok := r.Next()
			if !ok || !yield(ev, r.last) {
				return
			}
		}
	}
}

// Collect drains the reader into a slice.
func (r *Reader[E]) Collect() []E {
	out := make([]E, 0, r.Len())
	for ev := range r.All() {
		out = append(out, ev)
	}
	return out
}
