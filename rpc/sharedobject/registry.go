// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sharedobject tracks the objects (streams and the like) a peer
// shares with its remote side, and reaps those the remote stopped keeping
// alive.
package sharedobject

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"golang.org/x/sync/errgroup"

	"github.com/juju/rpcstream/rpc/params"
)

// ErrClosed is returned when registering on a registry that has been
// stopped.
const ErrClosed = errors.ConstError("shared object registry closed")

// Object is a worker shared with a remote peer under an ObjectID.
type Object interface {
	worker.Worker

	// ID returns the identity of the object.
	ID() params.ObjectID

	// Kind returns the kind of the object.
	Kind() params.ObjectKind

	// LastKeepAliveAt returns when the remote side last showed
	// interest in the object.
	LastKeepAliveAt() time.Time

	// KeepAlive records that the remote side is still interested in
	// the object.
	KeepAlive()
}

// Registry is the table of objects shared with one peer, keyed by local
// id. It is safe for concurrent use.
type Registry struct {
	hostID uuid.UUID
	lastID atomic.Int64

	mu      sync.Mutex
	objects map[int64]Object
	closed  chan struct{}
	stopped bool
}

// NewRegistry returns an empty registry allocating ids for hostID.
func NewRegistry(hostID uuid.UUID) *Registry {
	return &Registry{
		hostID:  hostID,
		objects: make(map[int64]Object),
		closed:  make(chan struct{}),
	}
}

// HostID returns the host identity stamped on allocated ids.
func (r *Registry) HostID() uuid.UUID {
	return r.hostID
}

// NextID allocates a new object id.
func (r *Registry) NextID() params.ObjectID {
	return params.ObjectID{
		HostID:  r.hostID,
		LocalID: r.lastID.Add(1),
	}
}

// Register adds obj to the registry.
func (r *Registry) Register(obj Object) error {
	id := obj.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.Trace(ErrClosed)
	}
	if _, ok := r.objects[id.LocalID]; ok {
		return errors.AlreadyExistsf("shared object %d", id.LocalID)
	}
	r.objects[id.LocalID] = obj
	return nil
}

// Get returns the object with the given local id.
func (r *Registry) Get(localID int64) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[localID]; ok {
		return obj, nil
	}
	return nil, errors.NotFoundf("shared object %d", localID)
}

// Unregister removes obj, but only if it is still the object registered
// under its id. It reports whether anything was removed.
func (r *Registry) Unregister(obj Object) bool {
	id := obj.ID().LocalID
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.objects[id]; ok && current == obj {
		delete(r.objects, id)
		return true
	}
	return false
}

// Len returns the number of registered objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Objects returns the registered objects ordered by local id.
func (r *Registry) Objects() []Object {
	r.mu.Lock()
	result := make([]Object, 0, len(r.objects))
	for _, obj := range r.objects {
		result = append(result, obj)
	}
	r.mu.Unlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID().LocalID < result[j].ID().LocalID
	})
	return result
}

// Closed returns a channel that is closed once StopAll has been called.
func (r *Registry) Closed() <-chan struct{} {
	return r.closed
}

// StopAll closes the registry, then stops every registered object and
// waits for them all to finish. It returns the first error encountered.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.closed)
	}
	objects := make([]Object, 0, len(r.objects))
	for _, obj := range r.objects {
		objects = append(objects, obj)
	}
	r.objects = make(map[int64]Object)
	r.mu.Unlock()

	var g errgroup.Group
	for _, obj := range objects {
		g.Go(func() error {
			return errors.Annotatef(worker.Stop(obj), "stopping %s %s", obj.Kind(), obj.ID())
		})
	}
	return g.Wait()
}
