// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpctest provides a recording peer for testing code that sends
// messages.
package rpctest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/juju/rpcstream/rpc/params"
	"github.com/juju/rpcstream/rpc/sharedobject"
)

// Peer records every message sent to it.
type Peer struct {
	ref     string
	objects *sharedobject.Registry

	mu       sync.Mutex
	messages []*params.Message
	changed  chan struct{}
	sendErr  func(*params.Message) error
}

// NewPeer returns a peer whose shared objects are allocated for hostID.
func NewPeer(ref string, hostID uuid.UUID) *Peer {
	return &Peer{
		ref:     ref,
		objects: sharedobject.NewRegistry(hostID),
		changed: make(chan struct{}),
	}
}

// Ref implements rpc.Peer.
func (p *Peer) Ref() string {
	return p.ref
}

// SharedObjects implements rpc.Peer.
func (p *Peer) SharedObjects() *sharedobject.Registry {
	return p.objects
}

// SetSendError makes Send return the result of f for every message; a nil
// result records the message as usual.
func (p *Peer) SetSendError(f func(*params.Message) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = f
}

// Send implements rpc.Peer.
func (p *Peer) Send(ctx context.Context, msg *params.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		if err := p.sendErr(msg); err != nil {
			return err
		}
	}
	copied := *msg
	copied.Headers = append([]params.Header(nil), msg.Headers...)
	p.messages = append(p.messages, &copied)
	close(p.changed)
	p.changed = make(chan struct{})
	return nil
}

// Messages returns the messages sent so far.
func (p *Peer) Messages() []*params.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*params.Message(nil), p.messages...)
}

// WaitMessages waits until at least n messages have been sent and returns
// all of them.
func (p *Peer) WaitMessages(n int, timeout time.Duration) ([]*params.Message, error) {
	deadline := time.After(timeout)
	for {
		p.mu.Lock()
		if len(p.messages) >= n {
			result := append([]*params.Message(nil), p.messages...)
			p.mu.Unlock()
			return result, nil
		}
		changed := p.changed
		got := len(p.messages)
		p.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return nil, errors.Timeoutf("waiting for %d messages (got %d)", n, got)
		}
	}
}

// Reset forgets the messages sent so far.
func (p *Peer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
