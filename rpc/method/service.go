// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package method

import (
	"fmt"

	"github.com/juju/errors"
)

// NameBuilder computes the wire name of a method. It must be a pure
// function of the descriptor.
type NameBuilder func(*Def) string

// DefaultNameBuilder names a method after its declared name and its
// remote arity, so overloads with different arities do not collide.
func DefaultNameBuilder(d *Def) string {
	return fmt.Sprintf("%s:%d", d.Method(), len(d.remoteParameterTypes))
}

// ServiceSpec declares a service and its methods.
type ServiceSpec struct {
	Name string

	// IsSystem marks the service carrying the protocol's own calls.
	IsSystem bool

	// IsBackend marks a service only reachable by trusted peers.
	IsBackend bool

	Methods []Signature
}

// ServiceDef is the dispatch table of a registered service.
type ServiceDef struct {
	name      string
	isSystem  bool
	isBackend bool
	names     NameBuilder

	methods  []*Def
	byMethod map[string]*Def
	byName   map[string]*Def
	invalid  []*Def
}

func newServiceDef(spec ServiceSpec, names NameBuilder) (*ServiceDef, error) {
	if spec.Name == "" {
		return nil, errors.NotValidf("empty service name")
	}
	if names == nil {
		names = DefaultNameBuilder
	}
	s := &ServiceDef{
		name:      spec.Name,
		isSystem:  spec.IsSystem,
		isBackend: spec.IsBackend,
		names:     names,
		byMethod:  make(map[string]*Def),
		byName:    make(map[string]*Def),
	}
	for _, sig := range spec.Methods {
		def := NewDef(s, sig)
		if !def.IsValid() {
			s.invalid = append(s.invalid, def)
			continue
		}
		if _, ok := s.byName[def.Name()]; ok {
			return nil, errors.AlreadyExistsf("method %q on service %q", def.Name(), s.name)
		}
		s.methods = append(s.methods, def)
		s.byName[def.Name()] = def
		// Overloads share a local name; the first declared wins.
		if _, ok := s.byMethod[def.Method()]; !ok {
			s.byMethod[def.Method()] = def
		}
	}
	return s, nil
}

// Name returns the service name.
func (s *ServiceDef) Name() string { return s.name }

// IsSystem reports whether this is the system service.
func (s *ServiceDef) IsSystem() bool { return s.isSystem }

// IsBackend reports whether this is a backend (trusted) service.
func (s *ServiceDef) IsBackend() bool { return s.isBackend }

func (s *ServiceDef) nameBuilder() NameBuilder {
	if s == nil || s.names == nil {
		return DefaultNameBuilder
	}
	return s.names
}

// Methods returns the valid methods of the service.
func (s *ServiceDef) Methods() []*Def {
	return append([]*Def(nil), s.methods...)
}

// Invalid returns the methods rejected at registration.
func (s *ServiceDef) Invalid() []*Def {
	return append([]*Def(nil), s.invalid...)
}

// Method returns the valid method with the given declared name.
func (s *ServiceDef) Method(method string) (*Def, error) {
	if def, ok := s.byMethod[method]; ok {
		return def, nil
	}
	return nil, s.missing(method, func(d *Def) bool { return d.Method() == method })
}

// MethodByName returns the valid method with the given wire name.
func (s *ServiceDef) MethodByName(name string) (*Def, error) {
	if def, ok := s.byName[name]; ok {
		return def, nil
	}
	return nil, s.missing(name, func(d *Def) bool { return d.Name() == name })
}

func (s *ServiceDef) missing(name string, match func(*Def) bool) error {
	for _, def := range s.invalid {
		if match(def) {
			return errors.NotValidf("method %s", def)
		}
	}
	return errors.NotFoundf("method %q on service %q", name, s.name)
}
