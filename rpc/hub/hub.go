// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hub ties the RPC pieces together: it owns the method registry and
// the system call sender, runs connections to peers, and routes the system
// calls that drive shared streams.
package hub

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/tomb.v2"

	"github.com/juju/rpcstream/rpc"
	"github.com/juju/rpcstream/rpc/method"
	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/sharedobject"
	"github.com/juju/rpcstream/rpc/stream"
	"github.com/juju/rpcstream/rpc/systemcall"
)

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Config holds the configuration of a hub.
type Config struct {
	// HostID identifies this process in the ids of the objects it
	// shares.
	HostID uuid.UUID

	Settings Settings
	Clock    clock.Clock
	Logger   Logger

	// NameBuilder computes method wire names. The default is used
	// when it is nil.
	NameBuilder method.NameBuilder

	// Inbound handles every message the hub does not handle itself.
	Inbound rpc.Handler

	// PrometheusRegisterer, if set, is used to register the stream
	// metrics for the lifetime of the hub.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config cannot be used to start a hub.
func (config Config) Validate() error {
	if config.HostID == uuid.Nil {
		return errors.NotValidf("nil HostID")
	}
	if err := config.Settings.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Inbound == nil {
		return errors.NotValidf("nil Inbound")
	}
	return nil
}

// Hub runs the connections to peers. Killing the hub closes all of them.
type Hub struct {
	catacomb catacomb.Catacomb
	config   Config

	registry *method.Registry
	sender   *systemcall.Sender
	metrics  *stream.Collector
}

var _ rpc.Handler = (*Hub)(nil)

// NewHub returns a running hub.
func NewHub(config Config) (*Hub, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	registry := method.NewRegistry(config.NameBuilder, config.Logger)
	if _, err := systemcall.Register(registry); err != nil {
		return nil, errors.Trace(err)
	}
	h := &Hub{
		config:   config,
		registry: registry,
		sender:   systemcall.NewSender(registry),
		metrics:  stream.NewMetricsCollector(),
	}
	if config.PrometheusRegisterer != nil {
		if err := config.PrometheusRegisterer.Register(h.metrics); err != nil {
			return nil, errors.Annotate(err, "registering stream metrics")
		}
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &h.catacomb,
		Work: h.loop,
	}); err != nil {
		h.unregisterMetrics()
		return nil, errors.Trace(err)
	}
	return h, nil
}

func (h *Hub) loop() error {
	defer h.unregisterMetrics()
	<-h.catacomb.Dying()
	return h.catacomb.ErrDying()
}

func (h *Hub) unregisterMetrics() {
	if h.config.PrometheusRegisterer != nil {
		h.config.PrometheusRegisterer.Unregister(h.metrics)
	}
}

// Kill is part of the worker.Worker interface.
func (h *Hub) Kill() {
	h.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (h *Hub) Wait() error {
	return h.catacomb.Wait()
}

// Registry returns the method registry of the hub. Services called
// through Inbound are registered here.
func (h *Hub) Registry() *method.Registry {
	return h.registry
}

// Sender returns the system call sender of the hub.
func (h *Hub) Sender() *systemcall.Sender {
	return h.sender
}

// Metrics returns the collector recording stream activity.
func (h *Hub) Metrics() *stream.Collector {
	return h.metrics
}

// Connect starts a connection to the peer reachable through codec. The
// connection is closed when the hub dies; shared objects the peer stops
// keeping alive are reaped.
func (h *Hub) Connect(ref string, codec rpc.Codec) (*rpc.Conn, error) {
	objects := sharedobject.NewRegistry(h.config.HostID)
	conn, err := rpc.NewConn(rpc.ConnConfig{
		Ref:     ref,
		Codec:   codec,
		Handler: h,
		Objects: objects,
		Logger:  h.config.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	reaper, err := sharedobject.NewReaper(sharedobject.ReaperConfig{
		Registry: objects,
		Clock:    h.config.Clock,
		Logger:   h.config.Logger,
		Timeout:  h.config.Settings.KeepAliveTimeout,
		Interval: h.config.Settings.ReapInterval,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	// The reaper stops by itself once the connection stops its objects.
	if err := h.catacomb.Add(reaper); err != nil {
		return nil, errors.Trace(err)
	}

	conn.Start(h.catacomb.Context(context.Background()))
	if err := h.catacomb.Add(newPeerWorker(conn, h.config.Logger)); err != nil {
		return nil, errors.Trace(err)
	}
	h.config.Logger.Debugf("connected to %s", ref)
	return conn, nil
}

// acker is implemented by shared objects that take acks.
type acker interface {
	OnAck(ctx context.Context, nextIndex int64, hostID uuid.UUID) error
}

// HandleMessage is part of the rpc.Handler interface. It handles the
// stream flow control calls itself and answers calls to unknown methods;
// everything else goes to the inbound handler.
func (h *Hub) HandleMessage(ctx context.Context, peer rpc.Peer, msg *params.Message) error {
	def, err := h.registry.Method(msg.Service, msg.Method)
	if errors.Is(err, errors.NotFound) || errors.Is(err, errors.NotValid) {
		h.config.Logger.Debugf("call %d from %s: %v", msg.ID, peer.Ref(), err)
		if msg.Service == systemcall.ServiceName {
			// Nobody waits on a system call.
			return nil
		}
		return h.sender.NotFound(ctx, peer, msg.ID, msg.Service, msg.Method, msg.Headers)
	} else if err != nil {
		return errors.Trace(err)
	}

	if def.Service().IsSystem() {
		switch def.Method() {
		case systemcall.Ack:
			return h.handleAck(ctx, peer, msg)
		case systemcall.KeepAlive:
			return h.handleKeepAlive(ctx, peer, msg)
		}
	}
	return h.config.Inbound.HandleMessage(ctx, peer, msg)
}

func (h *Hub) handleAck(ctx context.Context, peer rpc.Peer, msg *params.Message) error {
	var (
		nextIndex int64
		hostID    uuid.UUID
	)
	if err := msg.DecodeArgs(&nextIndex, &hostID); err != nil {
		return errors.Annotatef(err, "decoding ack for %d", msg.RelatedID)
	}
	obj, err := peer.SharedObjects().Get(msg.RelatedID)
	if errors.Is(err, errors.NotFound) {
		return h.sendMissing(ctx, peer, []int64{msg.RelatedID})
	} else if err != nil {
		return errors.Trace(err)
	}
	a, ok := obj.(acker)
	if !ok {
		return errors.NotValidf("ack for %s %s", obj.Kind(), obj.ID())
	}
	return errors.Trace(a.OnAck(ctx, nextIndex, hostID))
}

func (h *Hub) handleKeepAlive(ctx context.Context, peer rpc.Peer, msg *params.Message) error {
	var ids []int64
	if err := msg.DecodeArgs(&ids); err != nil {
		return errors.Annotate(err, "decoding keep-alive")
	}
	var missing []int64
	for _, id := range ids {
		obj, err := peer.SharedObjects().Get(id)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		obj.KeepAlive()
	}
	if len(missing) == 0 {
		return nil
	}
	return h.sendMissing(ctx, peer, missing)
}

func (h *Hub) sendMissing(ctx context.Context, peer rpc.Peer, ids []int64) error {
	h.config.Logger.Debugf("objects %v missing for %s", ids, peer.Ref())
	if err := h.sender.Disconnect(ctx, peer, ids); err != nil {
		return errors.Trace(err)
	}
	for range ids {
		h.metrics.MissingSent()
	}
	return nil
}

// peerWorker closes a connection when it dies or when the hub does.
type peerWorker struct {
	tomb   tomb.Tomb
	conn   *rpc.Conn
	logger Logger
}

var _ worker.Worker = (*peerWorker)(nil)

func newPeerWorker(conn *rpc.Conn, logger Logger) *peerWorker {
	w := &peerWorker{conn: conn, logger: logger}
	w.tomb.Go(w.loop)
	return w
}

func (w *peerWorker) Kill() {
	w.tomb.Kill(nil)
}

func (w *peerWorker) Wait() error {
	return w.tomb.Wait()
}

func (w *peerWorker) loop() error {
	select {
	case <-w.tomb.Dying():
	case <-w.conn.Dead():
	}
	if err := w.conn.Close(); err != nil {
		w.logger.Debugf("connection to %s: %v", w.conn.Ref(), err)
	}
	w.logger.Debugf("disconnected from %s", w.conn.Ref())
	return nil
}
