// Copyright 2023, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"context"

	"github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/juju/rpcstream/rpc"
)

type contextSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&contextSuite{})

func (s *contextSuite) TestNoTracing(c *gc.C) {
	traceID, spanID, flags := rpc.TracingFromContext(context.Background())
	c.Check(traceID, gc.Equals, "")
	c.Check(spanID, gc.Equals, "")
	c.Check(flags, gc.Equals, 0)
}

func (s *contextSuite) TestTracingSurvivesDerivedContexts(c *gc.C) {
	ctx := rpc.WithTracing(context.Background(), "4bf92f35", "00f067aa", 1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	traceID, spanID, flags := rpc.TracingFromContext(ctx)
	c.Check(traceID, gc.Equals, "4bf92f35")
	c.Check(spanID, gc.Equals, "00f067aa")
	c.Check(flags, gc.Equals, 1)
}

func (s *contextSuite) TestInnerTracingWins(c *gc.C) {
	ctx := rpc.WithTracing(context.Background(), "outer", "a", 0)
	ctx = rpc.WithTracing(ctx, "inner", "b", 1)

	traceID, spanID, _ := rpc.TracingFromContext(ctx)
	c.Check(traceID, gc.Equals, "inner")
	c.Check(spanID, gc.Equals, "b")
}
