// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package method derives the remote calling contract of declared service
// methods: the argument shape actually sent over the wire, the wire name
// used for dispatch and the flags that drive encoding.
//
// Signatures are declared explicitly by the registering code; nothing in
// this package inspects Go types at runtime.
package method

import (
	"strconv"
	"strings"
)

// Type names a declared parameter or result type.
type Type string

const (
	// ObjectType is the fully dynamic type. Values of this type must be
	// resolved to their runtime type on receipt.
	ObjectType Type = "object"

	// ContextType marks the cancellation parameter of a method. It is
	// local only and never sent over the wire.
	ContextType Type = "context.Context"

	// NoWaitType is the result type of fire-and-forget methods.
	NoWaitType Type = "NoWait"

	// VoidType is the result type of methods with no result value.
	VoidType Type = "void"
)

// Signature is the declared calling convention of a single method.
type Signature struct {
	// Name is the method name, as declared by its service.
	Name string

	// Params holds the parameter types in declaration order.
	Params []Type

	// Result is the unwrapped result type.
	Result Type

	// Async is true when the method returns an awaitable computation.
	// Only async methods can be dispatched.
	Async bool
}

// cancellationIndex returns the position of the cancellation parameter,
// or -1 if there is none.
func (s Signature) cancellationIndex() int {
	for i, t := range s.Params {
		if t == ContextType {
			return i
		}
	}
	return -1
}

// ArgumentListType is the tuple-like tag describing an argument list.
type ArgumentListType struct {
	types []Type
}

func newArgumentListType(types []Type) ArgumentListType {
	return ArgumentListType{types: append([]Type(nil), types...)}
}

// Arity returns the number of arguments.
func (t ArgumentListType) Arity() int {
	return len(t.types)
}

// Types returns a copy of the argument types.
func (t ArgumentListType) Types() []Type {
	return append([]Type(nil), t.types...)
}

// String renders the tag as ArgumentList0 or ArgumentListN[T1, ..., TN].
func (t ArgumentListType) String() string {
	if len(t.types) == 0 {
		return "ArgumentList0"
	}
	var b strings.Builder
	b.WriteString("ArgumentList")
	b.WriteString(strconv.Itoa(len(t.types)))
	b.WriteString("[")
	b.WriteString(joinTypes(t.types))
	b.WriteString("]")
	return b.String()
}

func joinTypes(types []Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
