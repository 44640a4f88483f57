// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/rpcstream/rpc/params"
)

// Metrics records what shared streams do.
type Metrics interface {
	StreamStarted()
	StreamStopped()
	ItemSent()
	EndSent(err error)
	MissingSent()
}

const metricsNamespace = "juju_rpc_stream"

// Collector is a prometheus.Collector and a Metrics recording stream
// activity.
type Collector struct {
	active  prometheus.Gauge
	items   prometheus.Counter
	ends    *prometheus.CounterVec
	missing prometheus.Counter
}

var _ Metrics = (*Collector)(nil)

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active",
				Help:      "The number of running shared streams.",
			},
		),
		items: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "items_sent_total",
				Help:      "The number of stream items sent.",
			},
		),
		ends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ends_sent_total",
				Help:      "The number of stream end notifications sent, by reason.",
			}, []string{"reason"},
		),
		missing: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "missing_sent_total",
				Help:      "The number of acks answered with a missing stream notification.",
			},
		),
	}
}

// StreamStarted is part of the Metrics interface.
func (c *Collector) StreamStarted() { c.active.Inc() }

// StreamStopped is part of the Metrics interface.
func (c *Collector) StreamStopped() { c.active.Dec() }

// ItemSent is part of the Metrics interface.
func (c *Collector) ItemSent() { c.items.Inc() }

// EndSent is part of the Metrics interface.
func (c *Collector) EndSent(err error) { c.ends.WithLabelValues(endReason(err)).Inc() }

// MissingSent is part of the Metrics interface.
func (c *Collector) MissingSent() { c.missing.Inc() }

func endReason(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, params.ErrStreamInvalidPosition):
		return "invalid_position"
	case errors.Is(err, params.ErrStreamNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.active.Describe(ch)
	c.items.Describe(ch)
	c.ends.Describe(ch)
	c.missing.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.active.Collect(ch)
	c.items.Collect(ch)
	c.ends.Collect(ch)
	c.missing.Collect(ch)
}

type noopMetrics struct{}

func (noopMetrics) StreamStarted() {}
func (noopMetrics) StreamStopped() {}
func (noopMetrics) ItemSent()      {}
func (noopMetrics) EndSent(error)  {}
func (noopMetrics) MissingSent()   {}
