// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package stream shares a locally produced sequence of items with a remote
// peer. The peer pulls items by acknowledging positions: an ack for
// position n allows items up to n+AckAdvance-1 to be sent, and tells the
// stream it may forget everything before n.
package stream

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/juju/rpcstream/internal/ringbuffer"
	"github.com/juju/rpcstream/rpc"
	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/sharedobject"
)

// ReleaseIndex is the ack position a consumer sends once it is done with
// a stream.
const ReleaseIndex = math.MaxInt64

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Sender sends the notifications of a shared stream.
type Sender interface {
	StreamItem(ctx context.Context, peer rpc.Peer, localID, index int64, value any, headers []params.Header) error
	StreamEnd(ctx context.Context, peer rpc.Peer, localID, index int64, err error, headers []params.Header) error
	Disconnect(ctx context.Context, peer rpc.Peer, localIDs []int64) error
}

// Config holds the configuration of a shared stream.
type Config[T any] struct {
	Peer     rpc.Peer
	Sender   Sender
	Source   Source[T]
	ItemType params.TypeRef

	// AckAdvance is how many items may be sent past the last
	// acknowledged position.
	AckAdvance int64

	// AckPeriod is how often, in items, the consumer acknowledges.
	AckPeriod int64

	Clock   clock.Clock
	Logger  Logger
	Metrics Metrics
}

// Validate returns an error if the config cannot be used to share a
// stream.
func (config Config[T]) Validate() error {
	if config.Peer == nil {
		return errors.NotValidf("nil Peer")
	}
	if config.Sender == nil {
		return errors.NotValidf("nil Sender")
	}
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.AckAdvance < 1 {
		return errors.NotValidf("AckAdvance %d", config.AckAdvance)
	}
	if config.AckPeriod < 1 || config.AckPeriod > config.AckAdvance {
		return errors.NotValidf("AckPeriod %d with AckAdvance %d", config.AckPeriod, config.AckAdvance)
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDisposed
)

// item is a produced value, or the end of the sequence (with the error
// that ended it, if any).
type item[T any] struct {
	value    T
	err      error
	terminal bool
}

// SharedStream is a Source shared with a peer. It does nothing until the
// peer asks for position 0 with a reset; from then on a worker sends items
// as the peer acknowledges them.
type SharedStream[T any] struct {
	id         params.ObjectID
	itemType   params.TypeRef
	peer       rpc.Peer
	sender     Sender
	source     Source[T]
	ackAdvance int64
	ackPeriod  int64
	clock      clock.Clock
	logger     Logger
	metrics    Metrics

	lastKeepAliveAt atomic.Int64
	acks            *ackQueue

	tomb tomb.Tomb

	mu          sync.Mutex
	state       state
	disposeOnce sync.Once
}

var _ sharedobject.Object = (*SharedStream[int])(nil)

// Share allocates an id for a stream of the items of config.Source and
// registers it with the peer's shared objects.
func Share[T any](config Config[T]) (*SharedStream[T], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	logger := config.Logger
	if logger == nil {
		logger = loggo.GetLogger("juju.rpc.stream")
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &SharedStream[T]{
		id:         config.Peer.SharedObjects().NextID(),
		itemType:   config.ItemType,
		peer:       config.Peer,
		sender:     config.Sender,
		source:     config.Source,
		ackAdvance: config.AckAdvance,
		ackPeriod:  config.AckPeriod,
		clock:      config.Clock,
		logger:     logger,
		metrics:    metrics,
		acks:       newAckQueue(),
	}
	s.KeepAlive()
	if err := config.Peer.SharedObjects().Register(s); err != nil {
		return nil, errors.Annotatef(err, "sharing stream %s", s.id)
	}
	return s, nil
}

// ID is part of the sharedobject.Object interface.
func (s *SharedStream[T]) ID() params.ObjectID {
	return s.id
}

// Kind is part of the sharedobject.Object interface.
func (s *SharedStream[T]) Kind() params.ObjectKind {
	return params.ObjectKindStream
}

// Ref returns the reference the consumer needs to pull the stream.
func (s *SharedStream[T]) Ref() params.StreamRef {
	return params.StreamRef{
		ID:         s.id,
		ItemType:   s.itemType,
		AckPeriod:  s.ackPeriod,
		AckAdvance: s.ackAdvance,
	}
}

// LastKeepAliveAt is part of the sharedobject.Object interface.
func (s *SharedStream[T]) LastKeepAliveAt() time.Time {
	return time.Unix(0, s.lastKeepAliveAt.Load())
}

// KeepAlive is part of the sharedobject.Object interface.
func (s *SharedStream[T]) KeepAlive() {
	s.lastKeepAliveAt.Store(s.clock.Now().UnixNano())
}

// Kill is part of the worker.Worker interface.
func (s *SharedStream[T]) Kill() {
	s.mu.Lock()
	if s.state == stateIdle {
		// Nothing runs yet; the tomb still needs a goroutine to
		// ever be dead.
		s.state = stateDisposed
		s.tomb.Go(func() error {
			s.dispose(nil)
			return nil
		})
	}
	s.mu.Unlock()
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *SharedStream[T]) Wait() error {
	return s.tomb.Wait()
}

// OnAck handles an ack from the consumer: it wants the items from
// nextIndex on. A non-nil hostID asks for a reset to nextIndex, and must
// match the host the stream was shared from. Acks the stream cannot act
// on are answered by telling the peer the stream is missing.
func (s *SharedStream[T]) OnAck(ctx context.Context, nextIndex int64, hostID uuid.UUID) error {
	mustReset := hostID != uuid.Nil
	if mustReset && hostID != s.id.HostID {
		s.logger.Debugf("stream %s: ack from host %s", s.id, hostID)
		return s.sendMissing(ctx)
	}
	s.KeepAlive()
	if !s.enqueue(ack{nextIndex: nextIndex, mustReset: mustReset}) {
		return s.sendMissing(ctx)
	}
	return nil
}

func (s *SharedStream[T]) enqueue(a ack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateIdle:
		if !a.mustReset || a.nextIndex != 0 {
			return false
		}
		s.state = stateRunning
		s.metrics.StreamStarted()
		s.tomb.Go(s.loop)
	case stateDisposed:
		return false
	}
	s.acks.push(a)
	return true
}

func (s *SharedStream[T]) sendMissing(ctx context.Context) error {
	if err := s.sender.Disconnect(ctx, s.peer, []int64{s.id.LocalID}); err != nil {
		return errors.Trace(err)
	}
	s.metrics.MissingSent()
	return nil
}

func (s *SharedStream[T]) loop() error {
	err := s.run()
	select {
	case <-s.tomb.Dying():
		return tomb.ErrDying
	default:
	}
	if rpc.IsShutdownErr(err) {
		s.logger.Debugf("stream %s: connection shut down", s.id)
		return nil
	}
	if err != nil {
		s.logger.Debugf("stream %s stopped: %v", s.id, err)
	}
	return err
}

func (s *SharedStream[T]) run() error {
	ctx := s.tomb.Context(context.Background())
	p := &producer[T]{source: s.source}
	defer s.dispose(p)

	buffer := ringbuffer.New[item[T]](int(s.ackAdvance) + 1)
	var (
		bufferStart int64
		index       int64
		ended       bool
		endIndex    int64
		ackReady    bool
	)

nextAck:
	for {
		if !ackReady {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			case <-s.acks.ready():
			}
		}
		ackReady = false

		last := ack{nextIndex: -1}
		for _, a := range s.acks.drain() {
			if a.nextIndex == ReleaseIndex {
				s.logger.Debugf("stream %s released", s.id)
				return nil
			}
			last = a
			if a.mustReset || index < a.nextIndex {
				index = a.nextIndex
			}
		}
		if last.nextIndex < 0 {
			continue
		}
		s.logger.Tracef("stream %s: ack %d (reset %v), cursor %d", s.id, last.nextIndex, last.mustReset, index)

		// Forget what the consumer has; an ack past what was produced
		// just empties the buffer.
		trim := min(max(last.nextIndex-bufferStart, 0), int64(buffer.Len()))
		buffer.MoveHead(int(trim))
		bufferStart += trim

		maxIndex := last.nextIndex + s.ackAdvance
		if maxIndex < last.nextIndex {
			maxIndex = math.MaxInt64
		}
		if index < bufferStart {
			if err := s.sendInvalidPosition(ctx, index); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		for index < maxIndex {
			for int64(buffer.Len()) <= index-bufferStart {
				if ended {
					if index == endIndex+1 && last.nextIndex <= endIndex {
						// The end was sent already; wait for the
						// consumer to release the stream.
						continue nextAck
					}
					if err := s.sendInvalidPosition(ctx, index); err != nil {
						return errors.Trace(err)
					}
					continue nextAck
				}

				select {
				case <-s.acks.ready():
					ackReady = true
					continue nextAck
				default:
				}
				var it item[T]
				select {
				case <-s.tomb.Dying():
					return tomb.ErrDying
				case <-s.acks.ready():
					// The pending Next is kept for the next round.
					ackReady = true
					continue nextAck
				case r := <-p.next(ctx):
					p.consumed()
					it = s.toItem(ctx, r)
				}

				if buffer.IsFull() {
					buffer.MoveHead(1)
					bufferStart++
				}
				if err := buffer.PushTail(it); err != nil {
					return errors.Trace(err)
				}
				if it.terminal {
					ended = true
					endIndex = bufferStart + int64(buffer.Len()) - 1
				}
			}

			it, err := buffer.At(int(index - bufferStart))
			if err != nil {
				return errors.Trace(err)
			}
			if err := s.send(ctx, index, it); err != nil {
				return errors.Trace(err)
			}
			index++
			if it.terminal {
				continue nextAck
			}
		}
	}
}

func (s *SharedStream[T]) toItem(ctx context.Context, r result[T]) item[T] {
	switch {
	case r.err == nil:
		return item[T]{value: r.value}
	case errors.Is(r.err, io.EOF):
		return item[T]{terminal: true}
	case ctx.Err() != nil && errors.Is(r.err, context.Canceled):
		return item[T]{terminal: true, err: params.ErrStreamNotFound}
	default:
		return item[T]{terminal: true, err: r.err}
	}
}

func (s *SharedStream[T]) send(ctx context.Context, index int64, it item[T]) error {
	if !it.terminal {
		if err := s.sender.StreamItem(ctx, s.peer, s.id.LocalID, index, it.value, nil); err != nil {
			return errors.Trace(err)
		}
		s.metrics.ItemSent()
		return nil
	}
	if err := s.sender.StreamEnd(ctx, s.peer, s.id.LocalID, index, it.err, nil); err != nil {
		return errors.Trace(err)
	}
	s.metrics.EndSent(it.err)
	return nil
}

func (s *SharedStream[T]) sendInvalidPosition(ctx context.Context, index int64) error {
	s.logger.Debugf("stream %s: position %d is not available", s.id, index)
	return s.send(ctx, index, item[T]{terminal: true, err: params.ErrStreamInvalidPosition})
}

// dispose retires the stream: it leaves the peer's shared objects and
// releases the source.
func (s *SharedStream[T]) dispose(p *producer[T]) {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		wasRunning := s.state == stateRunning
		s.state = stateDisposed
		s.mu.Unlock()

		s.peer.SharedObjects().Unregister(s)
		if wasRunning {
			s.metrics.StreamStopped()
		}

		var pending <-chan result[T]
		if p != nil {
			pending = p.pending
		}
		if pending == nil {
			s.closeSource()
			return
		}
		// Next must not run concurrently with Close.
		go func() {
			<-pending
			s.closeSource()
		}()
	})
}

func (s *SharedStream[T]) closeSource() {
	if err := s.source.Close(); err != nil {
		s.logger.Warningf("stream %s: closing source: %v", s.id, err)
	}
}

type result[T any] struct {
	value T
	err   error
}

// producer runs at most one Source.Next at a time. A call whose result
// has not been taken yet is kept until it is.
type producer[T any] struct {
	source  Source[T]
	pending chan result[T]
}

// next returns a channel delivering the result of the pending Next call,
// starting one if needed. Once the result has been received, consumed
// must be called before next is called again.
func (p *producer[T]) next(ctx context.Context) <-chan result[T] {
	if p.pending == nil {
		ch := make(chan result[T], 1)
		go func() {
			v, err := p.source.Next(ctx)
			ch <- result[T]{value: v, err: err}
		}()
		p.pending = ch
	}
	return p.pending
}

func (p *producer[T]) consumed() {
	p.pending = nil
}
