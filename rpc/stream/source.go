// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"context"
	"io"
	"iter"
)

// Source is a single-pass sequence of items produced on demand. Next
// returns io.EOF once the sequence is exhausted; any other error ends the
// sequence with that error. Next is never called concurrently with itself
// or with Close, and must return promptly once ctx is cancelled.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

// FromSlice returns a source yielding items.
func FromSlice[T any](items []T) Source[T] {
	return &sliceSource[T]{items: items}
}

type sliceSource[T any] struct {
	items []T
	next  int
}

func (s *sliceSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if s.next >= len(s.items) {
		return zero, io.EOF
	}
	item := s.items[s.next]
	s.next++
	return item, nil
}

func (s *sliceSource[T]) Close() error {
	return nil
}

// FromChannel returns a source yielding the values received on ch until
// it is closed.
func FromChannel[T any](ch <-chan T) Source[T] {
	return chanSource[T]{ch: ch}
}

type chanSource[T any] struct {
	ch <-chan T
}

func (s chanSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-s.ch:
		if !ok {
			return zero, io.EOF
		}
		return v, nil
	}
}

func (s chanSource[T]) Close() error {
	return nil
}

// FromSeq returns a source pulling from seq. A non-nil error yielded by
// seq ends the sequence with that error. The sequence itself cannot be
// interrupted, so it should not block indefinitely between items.
func FromSeq[T any](seq iter.Seq2[T, error]) Source[T] {
	next, stop := iter.Pull2(seq)
	return &seqSource[T]{next: next, stop: stop}
}

type seqSource[T any] struct {
	next func() (T, error, bool)
	stop func()
}

func (s *seqSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	v, err, ok := s.next()
	if !ok {
		return zero, io.EOF
	}
	return v, err
}

func (s *seqSource[T]) Close() error {
	s.stop()
	return nil
}
