// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"iter"

	"github.com/juju/errors"

	"github.com/juju/rpcstream/rpc"
	"github.com/juju/rpcstream/rpc/hub"
	"github.com/juju/rpcstream/rpc/method"
	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/stream"
)

const numbersService = "Numbers"

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...interface{})
}

func registerNumbers(registry *method.Registry) (*method.ServiceDef, error) {
	return registry.Register(method.ServiceSpec{
		Name: numbersService,
		Methods: []method.Signature{{
			Name:   "Range",
			Params: []method.Type{"int64", method.ContextType},
			Result: "stream<int64>",
			Async:  true,
		}},
	})
}

// numbersHandler serves Numbers.Range: a stream of the integers from 0
// up to the requested count.
type numbersHandler struct {
	hub    *hub.Hub
	logger Logger
}

func (n *numbersHandler) HandleMessage(ctx context.Context, peer rpc.Peer, msg *params.Message) error {
	if msg.Service != numbersService {
		n.logger.Debugf("ignoring %s.%s from %s", msg.Service, msg.Method, peer.Ref())
		return nil
	}
	var count int64
	if err := msg.DecodeArgs(&count); err != nil {
		return n.hub.Sender().Error(ctx, peer, msg.ID, errors.NotValidf("arguments of %s", msg.Method), msg.Headers)
	}
	if count < 0 {
		return n.hub.Sender().Error(ctx, peer, msg.ID, errors.NotValidf("count %d", count), msg.Headers)
	}
	_, err := hub.ServeStream(ctx, n.hub, peer, msg.ID, "int64", stream.FromSeq(countTo(count)))
	return errors.Trace(err)
}

func countTo(count int64) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		for i := int64(0); i < count; i++ {
			if !yield(i, nil) {
				return
			}
		}
	}
}
