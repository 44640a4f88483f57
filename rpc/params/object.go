// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package params

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjectKind tags the kind of a shared object.
type ObjectKind int

const (
	ObjectKindNone ObjectKind = iota
	ObjectKindStream
)

// String implements fmt.Stringer.
func (k ObjectKind) String() string {
	switch k {
	case ObjectKindStream:
		return "stream"
	default:
		return "none"
	}
}

// ObjectID identifies an object shared with a peer. LocalID is only unique
// within the sharing peer; HostID identifies the process that allocated it,
// so that an id surviving a reconnect to another host can be detected.
type ObjectID struct {
	HostID  uuid.UUID `json:"host-id"`
	LocalID int64     `json:"local-id"`
}

// String implements fmt.Stringer.
func (id ObjectID) String() string {
	return fmt.Sprintf("%s/%d", id.HostID, id.LocalID)
}

// TypeRef names a type on the wire.
type TypeRef string

// StreamRef is the result value of a call that returns a stream. The
// receiver uses it to acknowledge items of the shared stream.
type StreamRef struct {
	ID         ObjectID `json:"id"`
	ItemType   TypeRef  `json:"item-type"`
	AckPeriod  int64    `json:"ack-period"`
	AckAdvance int64    `json:"ack-advance"`
}
