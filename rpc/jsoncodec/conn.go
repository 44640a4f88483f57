// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsoncodec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// NewNet returns an rpc codec that uses conn to send and receive messages,
// one JSON value per message.
func NewNet(conn io.ReadWriteCloser) *Codec {
	return New(&netConn{
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
		conn: conn,
	})
}

type netConn struct {
	enc  *json.Encoder
	dec  *json.Decoder
	conn io.ReadWriteCloser
}

func (conn *netConn) Send(msg interface{}) error {
	return conn.enc.Encode(msg)
}

func (conn *netConn) Receive(msg interface{}) error {
	return conn.dec.Decode(msg)
}

func (conn *netConn) Close() error {
	return conn.conn.Close()
}

// NewWebsocket returns an rpc codec that uses the given websocket
// connection to send and receive messages.
func NewWebsocket(conn *websocket.Conn) *Codec {
	return New(NewWebsocketConn(conn))
}

// WebsocketConn wraps a *websocket.Conn as a JSONConn. Writes are
// serialised since the websocket connection supports one concurrent writer
// only.
type WebsocketConn struct {
	conn *websocket.Conn

	writeMutex sync.Mutex
}

// NewWebsocketConn returns a JSONConn sending over conn.
func NewWebsocketConn(conn *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{conn: conn}
}

// Send implements JSONConn.
func (conn *WebsocketConn) Send(msg interface{}) error {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()
	return conn.conn.WriteJSON(msg)
}

// Receive implements JSONConn.
func (conn *WebsocketConn) Receive(msg interface{}) error {
	return conn.conn.ReadJSON(msg)
}

// Close implements JSONConn.
func (conn *WebsocketConn) Close() error {
	// Tell the other end we are closing; the error, if any, is
	// irrelevant since the connection goes away regardless.
	conn.writeMutex.Lock()
	_ = conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.writeMutex.Unlock()
	return conn.conn.Close()
}

// DialConfig holds the parameters for dialing a websocket peer.
type DialConfig struct {
	Clock    clock.Clock
	Header   http.Header
	Attempts int
	Delay    time.Duration
}

// Validate returns an error if the config cannot be used to dial.
func (config DialConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Attempts < 1 {
		return errors.NotValidf("%d Attempts", config.Attempts)
	}
	if config.Delay <= 0 {
		return errors.NotValidf("non-positive Delay")
	}
	return nil
}

// DialWebsocket dials the websocket at url, retrying failed attempts, and
// returns a codec for the resulting connection.
func DialWebsocket(ctx context.Context, url string, config DialConfig) (*Codec, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	var conn *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, config.Header)
			if err != nil {
				if resp != nil {
					return errors.Annotatef(err, "dialing %s (http status %d)", url, resp.StatusCode)
				}
				return errors.Annotatef(err, "dialing %s", url)
			}
			conn = c
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("attempt %d dialing %s: %v", attempt, url, lastError)
		},
		Attempts: config.Attempts,
		Delay:    config.Delay,
		Clock:    config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Trace(retry.LastError(err))
	}
	return NewWebsocket(conn), nil
}
