// SPDX-License-Identifier: MPL-2.0

// Package metrics exposes build metrics in Prometheus format. A one-shot CLI
// has no scrape endpoint, so the registry is written to a node-exporter
// textfile instead.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nodeforge"

// Collector is a prometheus.Collector for layer builds. It satisfies the
// pipeline's Observer interface.
type Collector struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	buildSuccess prometheus.Gauge
	builds       *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layer_cache_hits_total",
				Help:      "Layers reused from the layer cache.",
			}, []string{"step"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layer_cache_misses_total",
				Help:      "Layers that had to be built.",
			}, []string{"step"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Time spent resolving a step, cached or built.",
				Buckets:   []float64{0.1, 1, 5, 15, 60, 180, 600, 1800},
			}, []string{"step"},
		),
		buildSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_success",
				Help:      "1 if the last build committed every layer, 0 otherwise.",
			},
		),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Builds run, by result.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.cacheHits.Describe(ch)
	c.cacheMisses.Describe(ch)
	c.stepDuration.Describe(ch)
	c.buildSuccess.Describe(ch)
	c.builds.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.cacheHits.Collect(ch)
	c.cacheMisses.Collect(ch)
	c.stepDuration.Collect(ch)
	c.buildSuccess.Collect(ch)
	c.builds.Collect(ch)
}

// ObserveStep records a finished step. Skipped steps are not counted.
func (c *Collector) ObserveStep(step, state string, d time.Duration) {
	switch state {
	case "cached":
		c.cacheHits.WithLabelValues(step).Inc()
	case "built", "failed":
		c.cacheMisses.WithLabelValues(step).Inc()
	default:
		return
	}
	c.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveBuild records the outcome of a build.
func (c *Collector) ObserveBuild(success bool) {
	if success {
		c.buildSuccess.Set(1)
		c.builds.WithLabelValues("success").Inc()
		return
	}
	c.buildSuccess.Set(0)
	c.builds.WithLabelValues("failure").Inc()
}

// NewRegistry returns a registry holding c.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, fmt.Errorf("register build metrics: %w", err)
	}
	return reg, nil
}

// WriteTextfile writes every metric gathered by g to path atomically, in the
// format read by the node-exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
