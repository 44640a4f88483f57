// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/rpcstream/rpc"
	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/sharedobject"
)

type codecSuite struct {
	testing.IsolationSuite

	codec *MockCodec
}

var _ = gc.Suite(&codecSuite{})

func (s *codecSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.codec = NewMockCodec(ctrl)
	return ctrl
}

func (s *codecSuite) newConn(c *gc.C, handler rpc.Handler) *rpc.Conn {
	conn, err := rpc.NewConn(rpc.ConnConfig{
		Ref:     "peer",
		Codec:   s.codec,
		Handler: handler,
		Objects: sharedobject.NewRegistry(uuid.New()),
		Logger:  loggo.GetLogger("test"),
	})
	c.Assert(err, jc.ErrorIsNil)
	return conn
}

// expectBlockingRead makes ReadMessage block until the codec is closed.
func (s *codecSuite) expectBlockingRead() {
	closed := make(chan struct{})
	s.codec.EXPECT().ReadMessage(gomock.Any()).DoAndReturn(func(*params.Message) error {
		<-closed
		return io.EOF
	})
	s.codec.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	})
}

func (s *codecSuite) TestWriteFailure(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectBlockingRead()
	s.codec.EXPECT().WriteMessage(gomock.Any()).Return(errors.New("broken pipe"))

	conn := s.newConn(c, make(recorder, 1))
	conn.Start(context.Background())

	err := conn.Send(context.Background(), &params.Message{Service: "Users", Method: "Get:1"})
	c.Check(err, gc.ErrorMatches, "sending Users.Get:1 to peer: broken pipe")
	c.Check(conn.Close(), jc.ErrorIsNil)
}

func (s *codecSuite) TestSendWritesMessage(c *gc.C) {
	defer s.setupMocks(c).Finish()
	s.expectBlockingRead()
	s.codec.EXPECT().WriteMessage(&params.Message{ID: 3, Service: "Users", Method: "Get:1"}).Return(nil)

	conn := s.newConn(c, make(recorder, 1))
	conn.Start(context.Background())

	err := conn.Send(context.Background(), &params.Message{ID: 3, Service: "Users", Method: "Get:1"})
	c.Check(err, jc.ErrorIsNil)
	c.Check(conn.Close(), jc.ErrorIsNil)
}

func (s *codecSuite) TestReadFailureStopsConn(c *gc.C) {
	defer s.setupMocks(c).Finish()
	gomock.InOrder(
		s.codec.EXPECT().ReadMessage(gomock.Any()).DoAndReturn(func(msg *params.Message) error {
			msg.ID = 1
			msg.Service = "Users"
			msg.Method = "Get:1"
			return nil
		}),
		s.codec.EXPECT().ReadMessage(gomock.Any()).Return(errors.New("bad frame")),
	)
	s.codec.EXPECT().Close().Return(nil)

	received := make(recorder, 1)
	conn := s.newConn(c, received)
	conn.Start(context.Background())

	select {
	case msg := <-received:
		c.Check(msg.ID, gc.Equals, int64(1))
	case <-time.After(testing.LongWait):
		c.Fatalf("message not handled")
	}
	select {
	case <-conn.Dead():
	case <-time.After(testing.LongWait):
		c.Fatalf("input loop still running")
	}

	// Nothing reaches the codec once the input loop has stopped.
	err := conn.Send(context.Background(), &params.Message{Service: "Users", Method: "Get:1"})
	c.Check(err, jc.ErrorIs, rpc.ErrShutdown)
	c.Check(conn.Close(), gc.ErrorMatches, "bad frame")
}

func (s *codecSuite) TestHandlerErrorDoesNotStopConn(c *gc.C) {
	defer s.setupMocks(c).Finish()
	handled := make(chan struct{}, 2)
	handler := rpc.HandlerFunc(func(ctx context.Context, peer rpc.Peer, msg *params.Message) error {
		handled <- struct{}{}
		return errors.New("handler failed")
	})
	closed := make(chan struct{})
	gomock.InOrder(
		s.codec.EXPECT().ReadMessage(gomock.Any()).Return(nil).Times(2),
		s.codec.EXPECT().ReadMessage(gomock.Any()).DoAndReturn(func(*params.Message) error {
			<-closed
			return io.EOF
		}),
	)
	s.codec.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	})

	conn := s.newConn(c, handler)
	conn.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(testing.LongWait):
			c.Fatalf("message %d not handled", i)
		}
	}
	c.Check(conn.Close(), jc.ErrorIsNil)
}
