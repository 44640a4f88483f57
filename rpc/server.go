// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpc connects peers exchanging call and notification messages.
package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/sharedobject"
)

// ErrShutdown is returned when a message is sent on a connection that is
// shutting down.
const ErrShutdown = errors.ConstError("connection is shut down")

// IsShutdownErr returns true if the error is ErrShutdown.
func IsShutdownErr(err error) bool {
	return errors.Is(err, ErrShutdown)
}

// A Codec implements reading and writing of messages in an RPC session.
type Codec interface {
	// ReadMessage reads the next message into msg.
	ReadMessage(msg *params.Message) error

	// WriteMessage writes msg. It is never called concurrently.
	WriteMessage(msg *params.Message) error

	// Close closes the codec. It may be called concurrently
	// and should cause ReadMessage to unblock.
	Close() error
}

// Peer is the remote end of a connection, as seen by the code sending
// messages to it.
type Peer interface {
	// Ref identifies the peer.
	Ref() string

	// Send writes msg to the peer without waiting for any reply.
	Send(ctx context.Context, msg *params.Message) error

	// SharedObjects returns the objects shared with the peer.
	SharedObjects() *sharedobject.Registry
}

// Handler handles messages received from a peer.
type Handler interface {
	HandleMessage(ctx context.Context, peer Peer, msg *params.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, peer Peer, msg *params.Message) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, peer Peer, msg *params.Message) error {
	return f(ctx, peer, msg)
}

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Debugf(message string, args ...interface{})
}

// ConnConfig holds the configuration for a Conn.
type ConnConfig struct {
	Ref     string
	Codec   Codec
	Handler Handler
	Objects *sharedobject.Registry
	Logger  Logger
}

// Validate returns an error if the config cannot be used to create a Conn.
func (config ConnConfig) Validate() error {
	if config.Ref == "" {
		return errors.NotValidf("empty Ref")
	}
	if config.Codec == nil {
		return errors.NotValidf("nil Codec")
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if config.Objects == nil {
		return errors.NotValidf("nil Objects")
	}
	return nil
}

// Conn represents an RPC endpoint. Messages read from the codec are handed
// to the handler one at a time, in order; messages may be sent from any
// number of goroutines.
type Conn struct {
	ref     string
	codec   Codec
	handler Handler
	objects *sharedobject.Registry
	logger  Logger

	// sending guards the write side of the codec - it ensures
	// that codec.WriteMessage is not called concurrently.
	sending sync.Mutex

	// mutex guards the following values.
	mutex sync.Mutex

	// closing is set when the connection is shutting down via
	// Close. When this is set, no more messages will be sent.
	closing bool

	// shutdown is set when the input loop terminates.
	shutdown bool

	// dead is closed when the input loop terminates.
	dead chan struct{}

	// inputLoopError holds the error that caused the input loop to
	// terminate prematurely. It is set before dead is closed.
	inputLoopError error

	cancel context.CancelFunc
}

var _ Peer = (*Conn)(nil)

// NewConn creates a new connection that uses the given codec for
// transport, but it does not start it. Conn.Start must be called before
// any messages are received.
func NewConn(config ConnConfig) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	logger := config.Logger
	if logger == nil {
		logger = loggo.GetLogger("juju.rpc")
	}
	return &Conn{
		ref:     config.Ref,
		codec:   config.Codec,
		handler: config.Handler,
		objects: config.Objects,
		logger:  logger,
	}, nil
}

// Start starts the input loop. It has no effect if it has already been
// called. The context passed to the handler is derived from ctx and is
// cancelled when the connection is closed.
func (conn *Conn) Start(ctx context.Context) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.dead == nil {
		ctx, conn.cancel = context.WithCancel(ctx)
		conn.dead = make(chan struct{})
		go conn.input(ctx)
	}
}

// Ref is part of the Peer interface.
func (conn *Conn) Ref() string {
	return conn.ref
}

// SharedObjects is part of the Peer interface.
func (conn *Conn) SharedObjects() *sharedobject.Registry {
	return conn.objects
}

// Send is part of the Peer interface.
func (conn *Conn) Send(ctx context.Context, msg *params.Message) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(context.Cause(ctx))
	}
	conn.sending.Lock()
	defer conn.sending.Unlock()

	conn.mutex.Lock()
	closed := conn.closing || conn.shutdown
	conn.mutex.Unlock()
	if closed {
		return errors.Trace(ErrShutdown)
	}
	if err := conn.codec.WriteMessage(msg); err != nil {
		return errors.Annotatef(err, "sending %s.%s to %s", msg.Service, msg.Method, conn.ref)
	}
	return nil
}

// Dead returns a channel that is closed when the connection has been
// closed or the underlying transport has received an error.
func (conn *Conn) Dead() <-chan struct{} {
	return conn.dead
}

// Close closes the connection and its underlying codec, then stops every
// object shared with the peer. It returns the error, if any, that stopped
// the input loop.
func (conn *Conn) Close() error {
	conn.mutex.Lock()
	if conn.closing {
		conn.mutex.Unlock()
		return errors.New("already closed")
	}
	conn.closing = true
	dead, cancel := conn.dead, conn.cancel
	conn.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	// Closing the codec should cause the input loop to terminate and
	// unblocks any writer stuck on the transport.
	if err := conn.codec.Close(); err != nil {
		conn.logger.Debugf("rpc: error closing codec: %v", err)
	}
	if err := conn.objects.StopAll(); err != nil {
		conn.logger.Warningf("rpc: stopping objects shared with %s: %v", conn.ref, err)
	}
	if dead == nil {
		return nil
	}
	<-dead

	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.inputLoopError
}

// input reads messages from the connection and handles them
// appropriately.
func (conn *Conn) input(ctx context.Context) {
	err := conn.loop(ctx)

	conn.mutex.Lock()
	if conn.closing || errors.Is(err, io.EOF) {
		err = nil
	}
	conn.inputLoopError = err
	conn.shutdown = true
	conn.mutex.Unlock()

	if err != nil {
		conn.logger.Debugf("rpc: input loop for %s stopped: %v", conn.ref, err)
	}
	close(conn.dead)
}

// loop implements the looping part of Conn.input.
func (conn *Conn) loop(ctx context.Context) error {
	for {
		var msg params.Message
		if err := conn.codec.ReadMessage(&msg); err != nil {
			return errors.Trace(err)
		}
		if err := conn.handler.HandleMessage(ctx, conn, &msg); err != nil {
			conn.logger.Warningf("rpc: handling %s.%s from %s: %v", msg.Service, msg.Method, conn.ref, err)
		}
	}
}
