// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package systemcall declares the service carrying the protocol's own
// notifications (call completion, cancellation and stream lifecycle) and
// sends them.
package systemcall

import (
	"github.com/juju/errors"

	"github.com/juju/rpcstream/rpc/method"
)

// ServiceName is the name of the system service.
const ServiceName = "$sys"

// Local names of the system methods.
const (
	Ok          = "Ok"
	Error       = "Error"
	Cancel      = "Cancel"
	NotFound    = "NotFound"
	GetStream   = "GetStream"
	StreamStart = "StreamStart"
	StreamItem  = "StreamItem"
	StreamEnd   = "StreamEnd"
	Ack         = "Ack"
	KeepAlive   = "KeepAlive"
	Disconnect  = "Disconnect"
)

func notification(name string, params ...method.Type) method.Signature {
	return method.Signature{
		Name:   name,
		Params: params,
		Result: method.NoWaitType,
		Async:  true,
	}
}

// Spec returns the declaration of the system service.
func Spec() method.ServiceSpec {
	return method.ServiceSpec{
		Name:     ServiceName,
		IsSystem: true,
		Methods: []method.Signature{
			notification(Ok, method.ObjectType),
			notification(Error, "params.Error"),
			notification(Cancel),
			notification(NotFound, "string", "string"),
			notification(GetStream),
			notification(StreamStart, "params.TypeRef"),
			notification(StreamItem, "int64", method.ObjectType),
			notification(StreamEnd, "int64", "params.Error"),
			notification(Ack, "int64", "uuid.UUID"),
			notification(KeepAlive, "[]int64"),
			notification(Disconnect, "[]int64"),
		},
	}
}

// Register declares the system service on registry.
func Register(registry *method.Registry) (*method.ServiceDef, error) {
	def, err := registry.Register(Spec())
	return def, errors.Trace(err)
}
