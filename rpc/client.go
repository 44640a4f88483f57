// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/juju/errors"

	"github.com/juju/rpcstream/rpc/method"
	"github.com/juju/rpcstream/rpc/params"
)

// OutboundContext holds what an outbound call is sent with. Headers added
// while sending a call are appended to Headers, so a caller that shares
// the slice can see (and roll back) what a failed attempt added.
type OutboundContext struct {
	Peer          Peer
	CallTypeID    params.CallTypeID
	RelatedCallID int64
	Headers       []params.Header
}

// PrepareCall binds def and its arguments to the context. The arguments
// are the remote ones: the cancellation parameter, if any, is not part of
// them.
func (oc *OutboundContext) PrepareCall(def *method.Def, args ...any) (*OutboundCall, error) {
	if oc.Peer == nil {
		return nil, errors.NotValidf("outbound call with nil peer")
	}
	if def == nil {
		return nil, errors.NotValidf("nil method")
	}
	if !def.IsValid() {
		return nil, errors.NotValidf("method %s", def)
	}
	if arity := def.RemoteArgumentListType().Arity(); len(args) != arity {
		return nil, errors.NotValidf("%d arguments for %s", len(args), def)
	}
	return &OutboundCall{
		Context: oc,
		Def:     def,
		Args:    args,
	}, nil
}

// OutboundCall is a call ready to be sent.
type OutboundCall struct {
	Context *OutboundContext
	Def     *method.Def
	Args    []any
}

// SendNoWait encodes and sends the call without waiting for a reply. When
// allowPolymorphism is set, the runtime type of each object typed argument
// is recorded in a header so the receiver can decode it.
func (call *OutboundCall) SendNoWait(ctx context.Context, allowPolymorphism bool) error {
	oc := call.Context
	if allowPolymorphism {
		for i, t := range call.Def.RemoteParameterTypes() {
			if t != method.ObjectType || call.Args[i] == nil {
				continue
			}
			oc.Headers = append(oc.Headers, params.Header{
				Name:  params.ArgumentTypeHeaderPrefix + strconv.Itoa(i),
				Value: fmt.Sprintf("%T", call.Args[i]),
			})
		}
	}

	args := call.Args
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errors.Annotatef(err, "encoding arguments of %s", call.Def)
	}

	traceID, spanID, traceFlags := TracingFromContext(ctx)
	msg := &params.Message{
		RelatedID:  oc.RelatedCallID,
		CallTypeID: oc.CallTypeID,
		Service:    call.Def.Service().Name(),
		Method:     call.Def.Name(),
		Args:       raw,
		Headers:    oc.Headers,
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: traceFlags,
	}
	return errors.Trace(oc.Peer.Send(ctx, msg))
}
