// Package stats exports the node's operational metrics.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package stats

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner owns the node's metric registry. One per store server.
type Runner struct {
	reg *prometheus.Registry

	Ops       *prometheus.CounterVec
	OpLatency *prometheus.HistogramVec

	CacheHit  prometheus.Counter
	CacheMiss prometheus.Counter

	NoMemory    prometheus.Counter
	Checkpoints prometheus.Counter
}

func NewRunner(nodeID int) *Runner {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node": strconv.Itoa(nodeID)}

	r := &Runner{
		reg: reg,
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hill",
			Name:        "ops_total",
			Help:        "Index operations by kind and status.",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "hill",
			Name:        "op_latency_seconds",
			Help:        "Index operation latency.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"op"}),
		CacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hill",
			Name:        "read_cache_hits_total",
			Help:        "Read cache hits.",
			ConstLabels: labels,
		}),
		CacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hill",
			Name:        "read_cache_misses_total",
			Help:        "Read cache misses, TTL evictions included.",
			ConstLabels: labels,
		}),
		NoMemory: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hill",
			Name:        "no_memory_total",
			Help:        "Operations failed for lack of PM, local and remote.",
			ConstLabels: labels,
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hill",
			Name:        "wal_checkpoints_total",
			Help:        "Forced WAL checkpoints.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(r.Ops, r.OpLatency, r.CacheHit, r.CacheMiss, r.NoMemory, r.Checkpoints)
	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Runner) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
