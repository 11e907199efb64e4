// Package metrics holds the Prometheus collectors exported by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WatchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswatch",
		Subsystem: "watcher",
		Name:      "active",
		Help:      "Number of directories with a running OS watch",
	})
	WatcherStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "watcher",
		Name:      "starts_total",
		Help:      "Total number of OS watch starts",
	})
	WatcherStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "watcher",
		Name:      "start_failures_total",
		Help:      "Total number of OS watch starts that failed",
	})
	WatcherErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "watcher",
		Name:      "errors_total",
		Help:      "Total number of errors reported by the OS watch",
	})

	EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "events",
		Name:      "observed_total",
		Help:      "Total number of raw filesystem events, per change kind",
	}, []string{"kind"})
	EventsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "events",
		Name:      "coalesced_total",
		Help:      "Total number of events absorbed by an equivalent pending event",
	})
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "events",
		Name:      "delivered_total",
		Help:      "Total number of event deliveries to subscriber callbacks",
	})
	CallbackPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "events",
		Name:      "callback_panics_total",
		Help:      "Total number of subscriber callbacks that panicked",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswatch",
		Subsystem: "server",
		Name:      "sessions",
		Help:      "Number of connected client sessions",
	})
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswatch",
		Subsystem: "registry",
		Name:      "subscriptions",
		Help:      "Number of session to directory subscription edges",
	})
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Total number of client requests, per method and result",
	}, []string{"method", "result"})
)
