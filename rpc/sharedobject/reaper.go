// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sharedobject

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
}

// ReaperConfig holds the configuration for a Reaper.
type ReaperConfig struct {
	Registry *Registry
	Clock    clock.Clock
	Logger   Logger

	// Timeout is how long an object may go without a keep-alive
	// before it is stopped.
	Timeout time.Duration

	// Interval is how often objects are checked.
	Interval time.Duration
}

// Validate returns an error if the config cannot be used to start a Reaper.
func (config ReaperConfig) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Reaper is a worker that kills the shared objects of one registry whose
// keep-alive has lapsed. It stops by itself once the registry is closed.
type Reaper struct {
	tomb   tomb.Tomb
	config ReaperConfig
}

// NewReaper starts a Reaper with the given config.
func NewReaper(config ReaperConfig) (*Reaper, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Reaper{config: config}
	r.tomb.Go(r.loop)
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Reaper) Kill() {
	r.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Reaper) Wait() error {
	return r.tomb.Wait()
}

func (r *Reaper) loop() error {
	for {
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case <-r.config.Registry.Closed():
			return nil
		case <-r.config.Clock.After(r.config.Interval):
			r.reap()
		}
	}
}

func (r *Reaper) reap() {
	deadline := r.config.Clock.Now().Add(-r.config.Timeout)
	for _, obj := range r.config.Registry.Objects() {
		if obj.LastKeepAliveAt().After(deadline) {
			continue
		}
		r.config.Logger.Debugf("reaping %s %s: no keep-alive since %v",
			obj.Kind(), obj.ID(), obj.LastKeepAliveAt())
		obj.Kill()
		// Objects normally unregister themselves once finished.
		r.config.Registry.Unregister(obj)
	}
}
