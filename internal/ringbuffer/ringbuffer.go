// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ringbuffer provides a fixed capacity circular buffer addressed by
// logical position rather than by raw array offset.
package ringbuffer

import (
	"github.com/juju/errors"
)

// ErrFull is returned when pushing onto a buffer that has no free slot.
const ErrFull = errors.ConstError("ring buffer is full")

// Buffer is a fixed capacity FIFO. Index 0 always refers to the oldest item
// (the head). Dropping n items from the head is O(n), as the dropped slots
// are zeroed.
// It is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	head  int
	count int
}

// New returns an empty buffer able to hold capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Len returns the number of items held.
func (b *Buffer[T]) Len() int {
	return b.count
}

// Cap returns the maximum number of items the buffer can hold.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// IsFull reports whether another push would fail.
func (b *Buffer[T]) IsFull() bool {
	return b.count == len(b.items)
}

// PushTail appends item after the newest item.
func (b *Buffer[T]) PushTail(item T) error {
	if b.IsFull() {
		return ErrFull
	}
	b.items[(b.head+b.count)%len(b.items)] = item
	b.count++
	return nil
}

// At returns the item at logical index i, where 0 is the head.
func (b *Buffer[T]) At(i int) (T, error) {
	if i < 0 || i >= b.count {
		var zero T
		return zero, errors.NotValidf("index %d (len %d)", i, b.count)
	}
	return b.items[(b.head+i)%len(b.items)], nil
}

// MoveHead drops the n oldest items. n is clamped to [0, Len()]. The
// dropped slots are zeroed so their values can be collected.
func (b *Buffer[T]) MoveHead(n int) {
	if n <= 0 {
		return
	}
	if n > b.count {
		n = b.count
	}
	var zero T
	for i := 0; i < n; i++ {
		b.items[(b.head+i)%len(b.items)] = zero
	}
	b.head = (b.head + n) % len(b.items)
	b.count -= n
}

// Clear drops every item.
func (b *Buffer[T]) Clear() {
	b.MoveHead(b.count)
	b.head = 0
}
