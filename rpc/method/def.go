// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package method

import (
	"fmt"
	"sync"
)

// Def describes one declared remote method. It is built once, when the
// dispatch table of its service is built, and never changes afterwards.
type Def struct {
	service *ServiceDef
	method  string
	name    string

	parameterTypes    []Type
	cancellationIndex int
	argumentListType  ArgumentListType

	remoteParameterTypes   []Type
	remoteArgumentListType ArgumentListType

	resultType Type

	hasObjectTypedArguments   bool
	allowArgumentPolymorphism bool
	allowResultPolymorphism   bool
	noWait                    bool
	isValid                   bool

	stringOnce sync.Once
	str        string
}

// NewDef derives the descriptor of the method with the given signature on
// service. A method whose signature is not async yields an invalid
// descriptor rather than an error, so that one bad method does not prevent
// the rest of the service from being registered.
func NewDef(service *ServiceDef, sig Signature) *Def {
	params := append([]Type(nil), sig.Params...)
	d := &Def{
		service:           service,
		method:            sig.Name,
		parameterTypes:    params,
		cancellationIndex: sig.cancellationIndex(),
		argumentListType:  newArgumentListType(params),
		resultType:        sig.Result,
		isValid:           sig.Async,
	}

	if k := d.cancellationIndex; k >= 0 {
		remote := make([]Type, 0, len(params)-1)
		remote = append(remote, params[:k]...)
		remote = append(remote, params[k+1:]...)
		d.remoteParameterTypes = remote
		d.remoteArgumentListType = newArgumentListType(remote)
	} else {
		d.remoteParameterTypes = params
		d.remoteArgumentListType = d.argumentListType
	}

	for _, t := range d.remoteParameterTypes {
		if t == ObjectType {
			d.hasObjectTypedArguments = true
			break
		}
	}
	d.noWait = sig.Result == NoWaitType

	trusted := service != nil && (service.isSystem || service.isBackend)
	d.allowArgumentPolymorphism = trusted
	d.allowResultPolymorphism = trusted

	d.name = service.nameBuilder()(d)
	return d
}

// Service returns the service declaring the method.
func (d *Def) Service() *ServiceDef { return d.service }

// Method returns the declared (local) method name.
func (d *Def) Method() string { return d.method }

// Name returns the wire name of the method.
func (d *Def) Name() string { return d.name }

// ParameterTypes returns the declared parameter types.
func (d *Def) ParameterTypes() []Type { return append([]Type(nil), d.parameterTypes...) }

// CancellationIndex returns the position of the cancellation parameter,
// or -1 when the method has none.
func (d *Def) CancellationIndex() int { return d.cancellationIndex }

// ArgumentListType returns the tag of the local argument list.
func (d *Def) ArgumentListType() ArgumentListType { return d.argumentListType }

// RemoteParameterTypes returns the parameter types sent over the wire.
func (d *Def) RemoteParameterTypes() []Type {
	return append([]Type(nil), d.remoteParameterTypes...)
}

// RemoteArgumentListType returns the tag of the remote argument list.
func (d *Def) RemoteArgumentListType() ArgumentListType { return d.remoteArgumentListType }

// ResultType returns the unwrapped result type.
func (d *Def) ResultType() Type { return d.resultType }

// HasObjectTypedArguments is true when any remote parameter is of the fully
// dynamic type.
func (d *Def) HasObjectTypedArguments() bool { return d.hasObjectTypedArguments }

// AllowArgumentPolymorphism is true when arguments may be encoded with
// their runtime type.
func (d *Def) AllowArgumentPolymorphism() bool { return d.allowArgumentPolymorphism }

// AllowResultPolymorphism is true when results may be encoded with their
// runtime type.
func (d *Def) AllowResultPolymorphism() bool { return d.allowResultPolymorphism }

// NoWait is true for fire-and-forget methods.
func (d *Def) NoWait() bool { return d.noWait }

// IsValid is false for methods that must never be dispatched.
func (d *Def) IsValid() bool { return d.isValid }

// String renders the descriptor as 'name': (types) -> result.
func (d *Def) String() string {
	d.stringOnce.Do(func() {
		suffix := ""
		if !d.isValid {
			suffix = " - invalid"
		}
		d.str = fmt.Sprintf("'%s': (%s) -> %s%s",
			d.name, joinTypes(d.remoteParameterTypes), d.resultType, suffix)
	})
	return d.str
}
