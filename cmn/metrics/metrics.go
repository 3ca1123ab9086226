// Package metrics wires the runtime's counters and gauges into
// prometheus/client_golang for operational visibility into
// transport and thread-pool internals.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the core exposes. One Registry is
// created per Runtime; it is never a package-level global so multiple
// runtimes can coexist in-process (e.g. in tests) without collisions.
type Registry struct {
	reg *prometheus.Registry

	MessageDrops     *prometheus.CounterVec
	DataFrequencyHz  *prometheus.GaugeVec
	RegistryEntries  *prometheus.GaugeVec
	ThreadPoolDepth  *prometheus.GaugeVec
	ThreadPoolQueued *prometheus.GaugeVec
	ServiceCalls     *prometheus.CounterVec
	ServiceTimeouts  *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		MessageDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecal",
			Name:      "message_drops_total",
			Help:      "Dropped frames per topic and reason.",
		}, []string{"topic", "reason"}),
		DataFrequencyHz: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecal",
			Name:      "data_frequency_hz",
			Help:      "Observed inter-arrival frequency per topic.",
		}, []string{"topic"}),
		RegistryEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecal",
			Name:      "descgate_entries",
			Help:      "Live DescGate entries by kind.",
		}, []string{"kind"}),
		ThreadPoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecal",
			Name:      "threadpool_workers",
			Help:      "Current worker count per pool.",
		}, []string{"pool"}),
		ThreadPoolQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecal",
			Name:      "threadpool_queued",
			Help:      "Queued-but-not-yet-running tasks per pool.",
		}, []string{"pool"}),
		ServiceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecal",
			Name:      "service_calls_total",
			Help:      "Service calls by method and call_state.",
		}, []string{"service", "method", "state"}),
		ServiceTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecal",
			Name:      "service_timeouts_total",
			Help:      "Service calls that ended in call_state=timeouted.",
		}, []string{"service", "method"}),
	}
	reg.MustRegister(r.MessageDrops, r.DataFrequencyHz, r.RegistryEntries,
		r.ThreadPoolDepth, r.ThreadPoolQueued, r.ServiceCalls, r.ServiceTimeouts)
	return r
}

// Handler returns an http.Handler the embedding process can mount on
// its own mux; the core itself never opens an HTTP listener.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
