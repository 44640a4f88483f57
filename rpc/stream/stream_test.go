// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream_test

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/rpcstream/rpc/method"
	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/rpctest"
	"github.com/juju/rpcstream/rpc/stream"
	"github.com/juju/rpcstream/rpc/systemcall"
)

type streamSuite struct {
	testing.IsolationSuite

	clock  *testclock.Clock
	hostID uuid.UUID
	peer   *rpctest.Peer
	sender *systemcall.Sender
}

var _ = gc.Suite(&streamSuite{})

func (s *streamSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s.hostID = uuid.New()
	s.peer = rpctest.NewPeer("peer", s.hostID)

	registry := method.NewRegistry(nil, loggo.GetLogger("test"))
	_, err := systemcall.Register(registry)
	c.Assert(err, jc.ErrorIsNil)
	s.sender = systemcall.NewSender(registry)
}

func (s *streamSuite) config(source stream.Source[int]) stream.Config[int] {
	return stream.Config[int]{
		Peer:       s.peer,
		Sender:     s.sender,
		Source:     source,
		ItemType:   "int",
		AckAdvance: 4,
		AckPeriod:  2,
		Clock:      s.clock,
		Logger:     loggo.GetLogger("test"),
	}
}

func (s *streamSuite) share(c *gc.C, source stream.Source[int]) *stream.SharedStream[int] {
	st, err := stream.Share(s.config(source))
	c.Assert(err, jc.ErrorIsNil)
	return st
}

func (s *streamSuite) ack(c *gc.C, st *stream.SharedStream[int], nextIndex int64, reset bool) {
	hostID := uuid.Nil
	if reset {
		hostID = s.hostID
	}
	c.Assert(st.OnAck(context.Background(), nextIndex, hostID), jc.ErrorIsNil)
}

type event struct {
	method string
	index  int64
	value  int
	err    error
	ids    []int64
}

func item(index int64) event {
	return event{method: "StreamItem:2", index: index, value: int(index)}
}

func items(from, to int64) []event {
	var result []event
	for i := from; i < to; i++ {
		result = append(result, item(i))
	}
	return result
}

func decode(c *gc.C, msg *params.Message) event {
	ev := event{method: msg.Method}
	switch msg.Method {
	case "StreamItem:2":
		c.Assert(msg.DecodeArgs(&ev.index, &ev.value), jc.ErrorIsNil)
	case "StreamEnd:2":
		var desc *params.Error
		c.Assert(msg.DecodeArgs(&ev.index, &desc), jc.ErrorIsNil)
		ev.err = desc.Err()
	case "Disconnect:1":
		c.Assert(msg.DecodeArgs(&ev.ids), jc.ErrorIsNil)
	default:
		c.Fatalf("unexpected message %s", msg.Method)
	}
	return ev
}

// waitEvents waits for exactly n messages and decodes them.
func (s *streamSuite) waitEvents(c *gc.C, n int) []event {
	messages, err := s.peer.WaitMessages(n, testing.LongWait)
	c.Assert(err, jc.ErrorIsNil)
	time.Sleep(testing.ShortWait)
	messages = s.peer.Messages()
	c.Assert(messages, gc.HasLen, n)
	events := make([]event, len(messages))
	for i, msg := range messages {
		events[i] = decode(c, msg)
	}
	return events
}

func (s *streamSuite) TestValidate(c *gc.C) {
	for i, test := range []struct {
		mutate func(*stream.Config[int])
		err    string
	}{
		{func(cfg *stream.Config[int]) { cfg.Peer = nil }, "nil Peer not valid"},
		{func(cfg *stream.Config[int]) { cfg.Sender = nil }, "nil Sender not valid"},
		{func(cfg *stream.Config[int]) { cfg.Source = nil }, "nil Source not valid"},
		{func(cfg *stream.Config[int]) { cfg.AckAdvance = 0 }, "AckAdvance 0 not valid"},
		{func(cfg *stream.Config[int]) { cfg.AckPeriod = 0 }, "AckPeriod 0 with AckAdvance 4 not valid"},
		{func(cfg *stream.Config[int]) { cfg.AckPeriod = 5 }, "AckPeriod 5 with AckAdvance 4 not valid"},
		{func(cfg *stream.Config[int]) { cfg.Clock = nil }, "nil Clock not valid"},
	} {
		c.Logf("test %d", i)
		cfg := s.config(stream.FromSlice([]int{}))
		test.mutate(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.err)

		_, err = stream.Share(cfg)
		c.Check(err, jc.ErrorIs, errors.NotValid)
	}
	c.Check(s.peer.SharedObjects().Len(), gc.Equals, 0)
}

func (s *streamSuite) TestShareRegisters(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{1}))
	defer workertest.CleanKill(c, st)

	c.Check(st.ID().HostID, gc.Equals, s.hostID)
	c.Check(st.Kind(), gc.Equals, params.ObjectKindStream)
	c.Check(st.Ref(), jc.DeepEquals, params.StreamRef{
		ID:         st.ID(),
		ItemType:   "int",
		AckPeriod:  2,
		AckAdvance: 4,
	})
	c.Check(st.LastKeepAliveAt().Equal(s.clock.Now()), jc.IsTrue)

	obj, err := s.peer.SharedObjects().Get(st.ID().LocalID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(obj, gc.Equals, st)

	// Nothing is sent until the consumer asks.
	time.Sleep(testing.ShortWait)
	c.Check(s.peer.Messages(), gc.HasLen, 0)
}

func (s *streamSuite) TestPullInAckWindows(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	c.Check(s.waitEvents(c, 4), jc.DeepEquals, items(0, 4))

	s.ack(c, st, 2, false)
	c.Check(s.waitEvents(c, 6)[4:], jc.DeepEquals, items(4, 6))

	s.ack(c, st, 4, false)
	c.Check(s.waitEvents(c, 8)[6:], jc.DeepEquals, items(6, 8))

	s.ack(c, st, 6, false)
	c.Check(s.waitEvents(c, 10)[8:], jc.DeepEquals, items(8, 10))

	s.ack(c, st, 8, false)
	events := s.waitEvents(c, 11)
	c.Check(events[10], jc.DeepEquals, event{method: "StreamEnd:2", index: 10})

	// The end has been delivered; acking it sends nothing more.
	s.ack(c, st, 10, false)
	s.waitEvents(c, 11)

	for _, msg := range s.peer.Messages() {
		c.Check(msg.RelatedID, gc.Equals, st.ID().LocalID)
	}
}

func (s *streamSuite) TestRepeatedAcks(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)

	s.ack(c, st, 2, false)
	s.waitEvents(c, 6)

	// A repeated ack without reset moves nothing.
	s.ack(c, st, 2, false)
	events := s.waitEvents(c, 6)
	c.Check(events, jc.DeepEquals, items(0, 6))
}

func (s *streamSuite) TestResetReplaysBufferedItems(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)

	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 8)
	c.Check(events[4:], jc.DeepEquals, items(0, 4))

	s.ack(c, st, 2, false)
	events = s.waitEvents(c, 10)
	c.Check(events[8:], jc.DeepEquals, items(4, 6))
}

func (s *streamSuite) TestResetBeforeBufferStart(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)
	s.ack(c, st, 2, false)
	s.waitEvents(c, 6)

	// Items 0 and 1 have been forgotten.
	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 7)
	c.Check(events[6].method, gc.Equals, "StreamEnd:2")
	c.Check(events[6].index, gc.Equals, int64(0))
	c.Check(events[6].err, jc.ErrorIs, params.ErrStreamInvalidPosition)

	// The stream is still usable from a valid position.
	s.ack(c, st, 4, true)
	events = s.waitEvents(c, 11)
	c.Check(events[7:], jc.DeepEquals, items(4, 8))
}

func (s *streamSuite) TestAckAheadOfProduction(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)

	s.ack(c, st, 6, false)
	events := s.waitEvents(c, 8)
	c.Check(events[4:], jc.DeepEquals, items(6, 10))
}

func (s *streamSuite) TestResetPastEnd(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 3)
	c.Check(events[2], jc.DeepEquals, event{method: "StreamEnd:2", index: 2})

	s.ack(c, st, 3, true)
	events = s.waitEvents(c, 4)
	c.Check(events[3].index, gc.Equals, int64(3))
	c.Check(events[3].err, jc.ErrorIs, params.ErrStreamInvalidPosition)
}

func (s *streamSuite) TestSourceError(c *gc.C) {
	source := stream.FromSeq(iter.Seq2[int, error](func(yield func(int, error) bool) {
		if !yield(0, nil) || !yield(1, nil) {
			return
		}
		yield(0, errors.New("boom"))
	}))
	st := s.share(c, source)
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 3)
	c.Check(events[:2], jc.DeepEquals, items(0, 2))
	c.Check(events[2].method, gc.Equals, "StreamEnd:2")
	c.Check(events[2].index, gc.Equals, int64(2))
	c.Check(events[2].err, gc.ErrorMatches, "boom")
}

func (s *streamSuite) TestReleaseStopsStream(c *gc.C) {
	source := newClosingSource(stream.FromSlice([]int{0, 1, 2, 3, 4, 5}))
	st := s.share(c, source)

	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)

	s.ack(c, st, stream.ReleaseIndex, false)
	c.Assert(workertest.CheckKilled(c, st), jc.ErrorIsNil)
	source.waitClosed(c)

	_, err := s.peer.SharedObjects().Get(st.ID().LocalID)
	c.Check(err, jc.ErrorIs, errors.NotFound)

	// Later acks are answered with a missing notification.
	s.ack(c, st, 2, false)
	events := s.waitEvents(c, 5)
	c.Check(events[4], jc.DeepEquals, event{method: "Disconnect:1", ids: []int64{st.ID().LocalID}})
}

func (s *streamSuite) TestReleaseWhileProducerBlocked(c *gc.C) {
	ch := make(chan int)
	source := newClosingSource(stream.FromChannel(ch))
	st := s.share(c, source)

	s.ack(c, st, 0, true)
	ch <- 0
	ch <- 1
	s.waitEvents(c, 2)

	// Next is now waiting on the channel.
	s.ack(c, st, stream.ReleaseIndex, false)
	c.Assert(workertest.CheckKilled(c, st), jc.ErrorIsNil)
	source.waitClosed(c)
}

func (s *streamSuite) TestAckWhileProducerBlocked(c *gc.C) {
	ch := make(chan int)
	st := s.share(c, stream.FromChannel(ch))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	ch <- 0
	s.waitEvents(c, 1)

	// A reset while waiting for item 1 replays item 0 from the buffer.
	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 2)
	c.Check(events[1], jc.DeepEquals, item(0))

	// The pending Next is not lost.
	ch <- 1
	events = s.waitEvents(c, 3)
	c.Check(events[2], jc.DeepEquals, item(1))
}

func (s *streamSuite) TestHostMismatch(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1}))
	defer workertest.CleanKill(c, st)

	c.Assert(st.OnAck(context.Background(), 0, uuid.New()), jc.ErrorIsNil)
	events := s.waitEvents(c, 1)
	c.Check(events[0], jc.DeepEquals, event{method: "Disconnect:1", ids: []int64{st.ID().LocalID}})

	// The stream did not start.
	s.ack(c, st, 0, true)
	events = s.waitEvents(c, 4)
	c.Check(events[1:], jc.DeepEquals, []event{item(0), item(1), {method: "StreamEnd:2", index: 2}})
}

func (s *streamSuite) TestHostMismatchLeavesRunningStream(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 4)
	c.Check(events, jc.DeepEquals, items(0, 4))

	c.Assert(st.OnAck(context.Background(), 4, uuid.New()), jc.ErrorIsNil)
	events = s.waitEvents(c, 5)
	c.Check(events[4], jc.DeepEquals, event{method: "Disconnect:1", ids: []int64{st.ID().LocalID}})

	// The window still ends at 4.
	s.ack(c, st, 2, false)
	events = s.waitEvents(c, 7)
	c.Check(events[5:], jc.DeepEquals, items(4, 6))
}

func (s *streamSuite) TestIdleStreamNeedsResetAtZero(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0, 1}))
	defer workertest.CleanKill(c, st)

	s.ack(c, st, 0, false)
	s.ack(c, st, 1, true)
	events := s.waitEvents(c, 2)
	for _, ev := range events {
		c.Check(ev.method, gc.Equals, "Disconnect:1")
	}
}

func (s *streamSuite) TestAckRefreshesKeepAlive(c *gc.C) {
	st := s.share(c, stream.FromSlice([]int{0}))
	defer workertest.CleanKill(c, st)

	start := s.clock.Now()
	s.clock.Advance(time.Minute)
	c.Check(st.LastKeepAliveAt().Equal(start), jc.IsTrue)

	s.ack(c, st, 0, true)
	c.Check(st.LastKeepAliveAt().Equal(start.Add(time.Minute)), jc.IsTrue)

	s.clock.Advance(time.Minute)
	st.KeepAlive()
	c.Check(st.LastKeepAliveAt().Equal(start.Add(2*time.Minute)), jc.IsTrue)
}

func (s *streamSuite) TestKillIdle(c *gc.C) {
	source := newClosingSource(stream.FromSlice([]int{0}))
	st := s.share(c, source)

	workertest.CleanKill(c, st)
	source.waitClosed(c)
	c.Check(s.peer.SharedObjects().Len(), gc.Equals, 0)

	s.ack(c, st, 0, true)
	events := s.waitEvents(c, 1)
	c.Check(events[0].method, gc.Equals, "Disconnect:1")
}

func (s *streamSuite) TestKillRunning(c *gc.C) {
	ch := make(chan int)
	source := newClosingSource(stream.FromChannel(ch))
	st := s.share(c, source)

	s.ack(c, st, 0, true)
	ch <- 0
	s.waitEvents(c, 1)

	workertest.CleanKill(c, st)
	source.waitClosed(c)
	c.Check(s.peer.SharedObjects().Len(), gc.Equals, 0)
}

func (s *streamSuite) TestStopAllStopsStreams(c *gc.C) {
	source := newClosingSource(stream.FromSlice([]int{0, 1, 2, 3, 4, 5}))
	st := s.share(c, source)
	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)

	c.Assert(s.peer.SharedObjects().StopAll(), jc.ErrorIsNil)
	source.waitClosed(c)
	c.Assert(workertest.CheckKilled(c, st), jc.ErrorIsNil)
}

func (s *streamSuite) TestMetrics(c *gc.C) {
	collector := stream.NewMetricsCollector()
	cfg := s.config(stream.FromSlice([]int{0, 1, 2}))
	cfg.Metrics = collector
	st, err := stream.Share(cfg)
	c.Assert(err, jc.ErrorIsNil)

	s.ack(c, st, 0, true)
	s.waitEvents(c, 4)
	c.Check(metricValue(c, collector, "juju_rpc_stream_active"), gc.Equals, 1.0)

	s.ack(c, st, stream.ReleaseIndex, false)
	c.Assert(workertest.CheckKilled(c, st), jc.ErrorIsNil)
	s.ack(c, st, 0, true)
	s.waitEvents(c, 5)

	c.Check(metricValue(c, collector, "juju_rpc_stream_active"), gc.Equals, 0.0)
	c.Check(metricValue(c, collector, "juju_rpc_stream_items_sent_total"), gc.Equals, 3.0)
	c.Check(metricValue(c, collector, "juju_rpc_stream_ends_sent_total", "reason", "completed"), gc.Equals, 1.0)
	c.Check(metricValue(c, collector, "juju_rpc_stream_missing_sent_total"), gc.Equals, 1.0)
}

// closingSource records when it is closed.
type closingSource struct {
	stream.Source[int]
	closed chan struct{}
}

func newClosingSource(source stream.Source[int]) *closingSource {
	return &closingSource{Source: source, closed: make(chan struct{})}
}

func (s *closingSource) Close() error {
	close(s.closed)
	return s.Source.Close()
}

func (s *closingSource) waitClosed(c *gc.C) {
	select {
	case <-s.closed:
	case <-time.After(testing.LongWait):
		c.Fatalf("source not closed")
	}
}
