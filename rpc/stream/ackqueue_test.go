// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type ackQueueSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&ackQueueSuite{})

func isReady(q *ackQueue) bool {
	select {
	case <-q.ready():
		return true
	default:
		return false
	}
}

func (s *ackQueueSuite) TestEmpty(c *gc.C) {
	q := newAckQueue()
	c.Check(isReady(q), jc.IsFalse)
	c.Check(q.drain(), gc.HasLen, 0)
}

func (s *ackQueueSuite) TestDrainInOrder(c *gc.C) {
	q := newAckQueue()
	q.push(ack{nextIndex: 0, mustReset: true})
	q.push(ack{nextIndex: 2})
	q.push(ack{nextIndex: 4})

	c.Check(q.drain(), jc.DeepEquals, []ack{
		{nextIndex: 0, mustReset: true},
		{nextIndex: 2},
		{nextIndex: 4},
	})
	c.Check(q.drain(), gc.HasLen, 0)
}

func (s *ackQueueSuite) TestReadyOnlyWhileQueued(c *gc.C) {
	q := newAckQueue()
	q.push(ack{nextIndex: 1})
	q.push(ack{nextIndex: 2})
	q.drain()
	// No stale signal is left behind by the second push.
	c.Check(isReady(q), jc.IsFalse)

	q.push(ack{nextIndex: 3})
	c.Check(isReady(q), jc.IsTrue)
	c.Check(q.drain(), jc.DeepEquals, []ack{{nextIndex: 3}})
	c.Check(isReady(q), jc.IsFalse)
}

func (s *ackQueueSuite) TestDrainAcrossManyPushes(c *gc.C) {
	q := newAckQueue()
	var expected []ack
	for i := int64(0); i < 200; i++ {
		a := ack{nextIndex: i, mustReset: i%50 == 0}
		q.push(a)
		expected = append(expected, a)
	}
	c.Check(isReady(q), jc.IsTrue)
	c.Check(q.drain(), jc.DeepEquals, expected)
	c.Check(isReady(q), jc.IsFalse)
}
