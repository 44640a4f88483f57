// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the types exchanged on the wire between peers.
package params

import (
	"encoding/json"

	"github.com/juju/errors"
)

// CallTypeID identifies the class of an outbound call.
type CallTypeID int

const (
	// CallTypeRegular is a plain request/response call.
	CallTypeRegular CallTypeID = 0
	// CallTypeStream is a call whose result is delivered as a stream.
	CallTypeStream CallTypeID = 1
)

// ArgumentTypeHeaderPrefix prefixes the headers that carry the runtime type
// of a polymorphically encoded argument. The argument position follows the
// prefix.
const ArgumentTypeHeaderPrefix = "@type:"

// Header is a single piece of metadata attached to a message.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Message is the only unit exchanged between peers. Both calls and the
// system notifications that complete them are messages; a notification
// refers to the call (or shared object) it relates to through RelatedID.
type Message struct {
	// ID holds the id of a call that expects a reply. It is zero for
	// notifications.
	ID int64 `json:"id,omitempty"`

	// RelatedID holds the id of the call or shared object this
	// message relates to.
	RelatedID int64 `json:"related-id,omitempty"`

	// CallTypeID holds the class of the call.
	CallTypeID CallTypeID `json:"call-type,omitempty"`

	// Service and Method hold the service name and the wire name of
	// the method being invoked.
	Service string `json:"service"`
	Method  string `json:"method"`

	// Args holds the JSON encoded argument list.
	Args json.RawMessage `json:"args,omitempty"`

	// Headers holds optional metadata.
	Headers []Header `json:"headers,omitempty"`

	TraceID    string `json:"trace-id,omitempty"`
	SpanID     string `json:"span-id,omitempty"`
	TraceFlags int    `json:"trace-flags,omitempty"`
}

// Header returns the value of the named header.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// DecodeArgs decodes the message arguments into the given targets, which
// must be pointers. The number of targets must match the number of encoded
// arguments.
func (m *Message) DecodeArgs(targets ...any) error {
	return DecodeArgs(m.Args, targets...)
}

// DecodeArgs decodes a JSON argument list into the given targets.
func DecodeArgs(raw json.RawMessage, targets ...any) error {
	var args []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return errors.Annotate(err, "decoding argument list")
		}
	}
	if len(args) != len(targets) {
		return errors.NotValidf("argument count %d, expected %d", len(args), len(targets))
	}
	for i, arg := range args {
		if targets[i] == nil {
			continue
		}
		if err := json.Unmarshal(arg, targets[i]); err != nil {
			return errors.Annotatef(err, "decoding argument %d", i)
		}
	}
	return nil
}
