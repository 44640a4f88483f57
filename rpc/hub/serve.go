// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hub

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	"github.com/juju/rpcstream/rpc"
	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/stream"
)

// ServeStream completes the call callID from peer with a stream of the
// items of source. The stream is registered with the peer's shared objects
// and starts sending once the peer acknowledges position 0. The stream owns
// source from then on; it is closed on failure too.
func ServeStream[T any](
	ctx context.Context, h *Hub, peer rpc.Peer, callID int64, itemType params.TypeRef, source stream.Source[T],
) (*stream.SharedStream[T], error) {
	st, err := stream.Share(stream.Config[T]{
		Peer:       peer,
		Sender:     h.sender,
		Source:     source,
		ItemType:   itemType,
		AckAdvance: h.config.Settings.AckAdvance,
		AckPeriod:  h.config.Settings.AckPeriod,
		Clock:      h.config.Clock,
		Logger:     h.config.Logger,
		Metrics:    h.metrics,
	})
	if err != nil {
		_ = source.Close()
		return nil, errors.Trace(err)
	}
	if err := h.sender.StreamStart(ctx, peer, callID, itemType, nil); err != nil {
		_ = worker.Stop(st)
		return nil, errors.Annotatef(err, "starting stream %s", st.ID())
	}
	if err := h.sender.Ok(ctx, peer, callID, st.Ref(), false, nil); err != nil {
		_ = worker.Stop(st)
		return nil, errors.Annotatef(err, "returning stream %s", st.ID())
	}
	return st, nil
}
