// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"sync"

	"github.com/juju/collections/deque"
)

type ack struct {
	nextIndex int64
	mustReset bool
}

// ackQueue is an unbounded queue handing acks from the transport to the
// stream worker. push never blocks. ready always returns the same channel;
// a value can be received from it only while the queue holds at least one
// ack.
type ackQueue struct {
	mu     sync.Mutex
	items  *deque.Deque
	signal chan struct{}
}

func newAckQueue() *ackQueue {
	return &ackQueue{
		items:  deque.New(),
		signal: make(chan struct{}, 1),
	}
}

func (q *ackQueue) push(a ack) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(a)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns every queued ack, oldest first.
func (q *ackQueue) drain() []ack {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []ack
	for {
		v, ok := q.items.PopFront()
		if !ok {
			break
		}
		items = append(items, v.(ack))
	}
	select {
	case <-q.signal:
	default:
	}
	return items
}

func (q *ackQueue) ready() <-chan struct{} {
	return q.signal
}
