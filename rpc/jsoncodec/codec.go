// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jsoncodec implements the message codec of package rpc on top of
// JSON values.
package jsoncodec

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/rpcstream/rpc/params"
)

var logger = loggo.GetLogger("juju.rpc.jsoncodec")

// JSONConn sends and receives messages to an underlying connection in
// JSON format.
type JSONConn interface {
	// Send sends a message.
	Send(msg interface{}) error
	// Receive receives a message into msg.
	Receive(msg interface{}) error
	Close() error
}

// Codec implements rpc.Codec for a connection.
type Codec struct {
	conn JSONConn

	mu      sync.Mutex
	closing bool
}

// New returns a codec reading and writing messages on conn.
func New(conn JSONConn) *Codec {
	return &Codec{conn: conn}
}

func (c *Codec) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close implements rpc.Codec.
func (c *Codec) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	return c.conn.Close()
}

// ReadMessage implements rpc.Codec.
func (c *Codec) ReadMessage(msg *params.Message) error {
	*msg = params.Message{}
	if err := c.conn.Receive(msg); err != nil {
		// If we've closed the connection, we may get a spurious error,
		// so ignore it.
		if c.isClosing() || isCleanClose(err) {
			return io.EOF
		}
		return errors.Annotate(err, "error receiving message")
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("<- %s.%s related %d", msg.Service, msg.Method, msg.RelatedID)
	}
	return nil
}

// WriteMessage implements rpc.Codec.
func (c *Codec) WriteMessage(msg *params.Message) error {
	if logger.IsTraceEnabled() {
		logger.Tracef("-> %s.%s related %d", msg.Service, msg.Method, msg.RelatedID)
	}
	return errors.Trace(c.conn.Send(msg))
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
