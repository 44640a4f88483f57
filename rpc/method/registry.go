// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package method

import (
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...interface{})
	Debugf(message string, args ...interface{})
}

// Registry holds the dispatch tables of every registered service.
type Registry struct {
	names  NameBuilder
	logger Logger

	mu       sync.RWMutex
	services map[string]*ServiceDef
}

// NewRegistry returns an empty registry. Method wire names are computed
// with names, or DefaultNameBuilder when it is nil.
func NewRegistry(names NameBuilder, logger Logger) *Registry {
	if names == nil {
		names = DefaultNameBuilder
	}
	if logger == nil {
		logger = loggo.GetLogger("juju.rpc.method")
	}
	return &Registry{
		names:    names,
		logger:   logger,
		services: make(map[string]*ServiceDef),
	}
}

// Register builds and records the dispatch table for spec. Methods that
// cannot be dispatched are logged and left out of the table.
func (r *Registry) Register(spec ServiceSpec) (*ServiceDef, error) {
	def, err := newServiceDef(spec, r.names)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, m := range def.Invalid() {
		r.logger.Warningf("service %q: not registering %s", def.Name(), m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[def.Name()]; ok {
		return nil, errors.AlreadyExistsf("service %q", def.Name())
	}
	r.services[def.Name()] = def
	r.logger.Debugf("registered service %q with %d methods", def.Name(), len(def.methods))
	return def, nil
}

// Service returns the named service.
func (r *Registry) Service(name string) (*ServiceDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.services[name]; ok {
		return def, nil
	}
	return nil, errors.NotFoundf("service %q", name)
}

// Method returns the method of the named service with the given wire name.
func (r *Registry) Method(service, name string) (*Def, error) {
	s, err := r.Service(service)
	if err != nil {
		return nil, errors.Trace(err)
	}
	def, err := s.MethodByName(name)
	return def, errors.Trace(err)
}

// ServiceNames returns the sorted names of all registered services.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := set.NewStrings()
	for name := range r.services {
		names.Add(name)
	}
	return names.SortedValues()
}

// SystemService returns the service marked as system, if any.
func (r *Registry) SystemService() (*ServiceDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found []string
	for name, def := range r.services {
		if def.IsSystem() {
			found = append(found, name)
		}
	}
	sort.Strings(found)
	if len(found) == 0 {
		return nil, errors.NotFoundf("system service")
	}
	return r.services[found[0]], nil
}
