// Package metrics exposes Prometheus collectors for the server
// orchestrator, incremented from the state machine's own call sites
// (registry load/unload, saver fire, hook chain failure, broadcast
// fan-out) so the exported numbers are a faithful reflection of the
// state machine rather than a bolt-on layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the server facade and its
// collaborators report into.
type Registry struct {
	ConnectionsOpen        prometheus.Gauge
	DocumentsLoaded        prometheus.Gauge
	SavesTotal             prometheus.Counter
	SaveFailuresTotal      prometheus.Counter
	HookFailuresTotal      *prometheus.CounterVec
	BroadcastMessagesTotal prometheus.Counter
}

// New registers every collector against reg and returns the bundle.
// Pass prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer-backed registry in production.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections_open",
			Help: "Number of currently open client connections.",
		}),
		DocumentsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_documents_loaded",
			Help: "Number of documents currently loaded in memory.",
		}),
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_saves_total",
			Help: "Total number of document saves that completed successfully.",
		}),
		SaveFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_save_failures_total",
			Help: "Total number of document saves that failed.",
		}),
		HookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_hook_failures_total",
			Help: "Total number of extension hook failures, labeled by hook name.",
		}, []string{"hook"}),
		BroadcastMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcast_messages_total",
			Help: "Total number of document update messages fanned out to peers.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsOpen,
		m.DocumentsLoaded,
		m.SavesTotal,
		m.SaveFailuresTotal,
		m.HookFailuresTotal,
		m.BroadcastMessagesTotal,
	)
	return m
}
