// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package systemcall

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/juju/rpcstream/rpc"
	"github.com/juju/rpcstream/rpc/method"
	"github.com/juju/rpcstream/rpc/params"
)

// Sender sends system notifications to peers. None of its operations wait
// for a reply.
type Sender struct {
	registry *method.Registry

	mu   sync.Mutex
	defs map[string]*method.Def
}

// NewSender returns a sender resolving the system methods on registry.
func NewSender(registry *method.Registry) *Sender {
	return &Sender{
		registry: registry,
		defs:     make(map[string]*method.Def),
	}
}

// def resolves the named system method once, on first use.
func (s *Sender) def(name string) (*method.Def, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def, ok := s.defs[name]; ok {
		return def, nil
	}
	svc, err := s.registry.Service(ServiceName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	def, err := svc.Method(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.defs[name] = def
	return def, nil
}

func (s *Sender) send(
	ctx context.Context, oc *rpc.OutboundContext, name string, allowPolymorphism bool, args ...any,
) error {
	def, err := s.def(name)
	if err != nil {
		return errors.Trace(err)
	}
	call, err := oc.PrepareCall(def, args...)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(call.SendNoWait(ctx, allowPolymorphism))
}

// Complete reports the outcome of call callID: Ok with value when err is
// nil, Error otherwise.
func (s *Sender) Complete(
	ctx context.Context, peer rpc.Peer, callID int64, value any, err error, allowPolymorphism bool, headers []params.Header,
) error {
	if err != nil {
		return s.Error(ctx, peer, callID, err, headers)
	}
	return s.Ok(ctx, peer, callID, value, allowPolymorphism, headers)
}

// Ok reports that call callID succeeded with value. If the notification
// cannot be sent, an Error notification is sent in its place, without the
// headers the failed attempt added.
func (s *Sender) Ok(
	ctx context.Context, peer rpc.Peer, callID int64, value any, allowPolymorphism bool, headers []params.Header,
) error {
	headerCount := len(headers)
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: callID,
		Headers:       headers,
	}
	err := s.send(ctx, oc, Ok, allowPolymorphism, value)
	if err == nil {
		return nil
	}
	headers = oc.Headers[:headerCount]
	if len(headers) == 0 {
		headers = nil
	}
	return s.Error(ctx, peer, callID, err, headers)
}

// Error reports that call callID failed with err.
func (s *Sender) Error(ctx context.Context, peer rpc.Peer, callID int64, err error, headers []params.Header) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: callID,
		Headers:       headers,
	}
	return s.send(ctx, oc, Error, false, params.ErrorFrom(err))
}

// Cancel tells the peer that call callID was abandoned by the caller.
func (s *Sender) Cancel(ctx context.Context, peer rpc.Peer, callID int64, headers []params.Header) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: callID,
		Headers:       headers,
	}
	return s.send(ctx, oc, Cancel, false)
}

// NotFound reports that call callID targets an unknown service or
// method.
func (s *Sender) NotFound(
	ctx context.Context, peer rpc.Peer, callID int64, service, methodName string, headers []params.Header,
) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: callID,
		Headers:       headers,
	}
	return s.send(ctx, oc, NotFound, false, service, methodName)
}

// GetStream asks the peer to start streaming the result of call callID.
func (s *Sender) GetStream(ctx context.Context, peer rpc.Peer, callID int64, headers []params.Header) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		CallTypeID:    params.CallTypeStream,
		RelatedCallID: callID,
		Headers:       headers,
	}
	return s.send(ctx, oc, GetStream, false)
}

// StreamStart announces the item type of the stream returned by call
// callID.
func (s *Sender) StreamStart(
	ctx context.Context, peer rpc.Peer, callID int64, itemType params.TypeRef, headers []params.Header,
) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: callID,
		Headers:       headers,
	}
	return s.send(ctx, oc, StreamStart, false, itemType)
}

// StreamItem sends the item at index of stream localID.
func (s *Sender) StreamItem(
	ctx context.Context, peer rpc.Peer, localID, index int64, value any, headers []params.Header,
) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: localID,
		Headers:       headers,
	}
	// The item type was agreed on by StreamStart.
	return s.send(ctx, oc, StreamItem, true, index, value)
}

// StreamEnd ends stream localID at index, with err if the stream failed.
func (s *Sender) StreamEnd(
	ctx context.Context, peer rpc.Peer, localID, index int64, err error, headers []params.Header,
) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: localID,
		Headers:       headers,
	}
	return s.send(ctx, oc, StreamEnd, false, index, params.ErrorFrom(err))
}

// Ack asks for the items of stream localID from nextIndex on. A non-nil
// hostID resets the stream to nextIndex.
func (s *Sender) Ack(ctx context.Context, peer rpc.Peer, localID, nextIndex int64, hostID uuid.UUID) error {
	oc := &rpc.OutboundContext{
		Peer:          peer,
		RelatedCallID: localID,
	}
	return s.send(ctx, oc, Ack, false, nextIndex, hostID)
}

// KeepAlive tells the peer the shared objects with the given ids are
// still in use.
func (s *Sender) KeepAlive(ctx context.Context, peer rpc.Peer, localIDs []int64) error {
	oc := &rpc.OutboundContext{Peer: peer}
	return s.send(ctx, oc, KeepAlive, false, localIDs)
}

// Disconnect tells the peer the objects with the given ids do not exist
// (any more) on this side.
func (s *Sender) Disconnect(ctx context.Context, peer rpc.Peer, localIDs []int64) error {
	oc := &rpc.OutboundContext{Peer: peer}
	return s.send(ctx, oc, Disconnect, false, localIDs)
}
