// Package reorder restores submission order from results that complete out
// of order.
package reorder

import "fmt"

// DuplicateError is returned by Serve when a sequence number has already been
// emitted or is already held.
type DuplicateError struct {
	Seq uint64
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("sequence number %d already served", e.Seq)
}

// Buffer calls its sink exactly once per sequence number, in strictly
// increasing order starting from 0. Values that arrive early are held in a map
// keyed by sequence number until every lower sequence number has been
// emitted.
//
// Buffer is not safe for concurrent use. It is owned by the goroutine that
// writes output.
type Buffer[T any] struct {
	next uint64
	held map[uint64]T
	sink func(seq uint64, v T)
}

// New creates a Buffer that emits to sink.
func New[T any](sink func(seq uint64, v T)) *Buffer[T] {
	return &Buffer[T]{
		held: make(map[uint64]T),
		sink: sink,
	}
}

// Serve emits v immediately if seq is next in line, followed by any held
// values that are now contiguous. Otherwise v is held.
func (b *Buffer[T]) Serve(seq uint64, v T) error {
	if seq < b.next {
		return DuplicateError{Seq: seq}
	}

	if seq != b.next {
		if _, exists := b.held[seq]; exists {
			return DuplicateError{Seq: seq}
		}

		b.held[seq] = v

		return nil
	}

	b.sink(seq, v)
	b.next++

	for {
		v, ok := b.held[b.next]
		if !ok {
			return nil
		}

		delete(b.held, b.next)

		b.sink(b.next, v)
		b.next++
	}
}

// Next returns the sequence number the Buffer is waiting for.
func (b *Buffer[T]) Next() uint64 {
	return b.next
}

// Pending returns the number of values held waiting for their turn.
func (b *Buffer[T]) Pending() int {
	return len(b.held)
}

// Drain removes every held value, passing each to discard. It's used on
// teardown paths where the gap in front of the held values will never be
// filled.
func (b *Buffer[T]) Drain(discard func(seq uint64, v T)) {
	for seq, v := range b.held {
		delete(b.held, seq)

		if discard != nil {
			discard(seq, v)
		}
	}
}
