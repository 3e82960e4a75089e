// Package metrics exposes the hub's operational counters as
// Prometheus collectors on /api/metrics.
//
// Grounded on the teacher's station/station_metrics.go field set
// (announcement/message/error/device/health counters kept by hand in
// a mutex-guarded struct), generalized onto
// github.com/prometheus/client_golang so the same observability
// surface is scrapeable instead of bespoke-JSON-only.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the hub-wide collector set.
type Metrics struct {
	registry *prometheus.Registry

	StateChanges    prometheus.Counter
	ServiceCalls    *prometheus.CounterVec
	ServiceErrors   *prometheus.CounterVec
	AutomationRuns  *prometheus.CounterVec
	AutomationDrops *prometheus.CounterVec
	MQTTMessages    *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	DiscoveredCount prometheus.Gauge
	RecorderErrors  prometheus.Counter
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		StateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homehub_state_changes_total",
			Help: "Total entity state changes published on the event bus.",
		}),
		ServiceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_service_calls_total",
			Help: "Total service calls dispatched, by domain and service.",
		}, []string{"domain", "service"}),
		ServiceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_service_errors_total",
			Help: "Total service calls that returned an error, by domain and service.",
		}, []string{"domain", "service"}),
		AutomationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_automation_runs_total",
			Help: "Total automation rule runs started, by rule id.",
		}, []string{"rule_id"}),
		AutomationDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_automation_drops_total",
			Help: "Total automation rule triggers dropped or overrun by mode arbitration, by rule id.",
		}, []string{"rule_id"}),
		MQTTMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_mqtt_messages_total",
			Help: "Total MQTT messages processed, by direction (in/out).",
		}, []string{"direction"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homehub_ws_connections",
			Help: "Current number of open WebSocket event-stream connections.",
		}),
		DiscoveredCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homehub_discovered_entities",
			Help: "Current number of entities registered via MQTT discovery.",
		}),
		RecorderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homehub_recorder_flush_errors_total",
			Help: "Total recorder batch flush failures.",
		}),
	}

	reg.MustRegister(
		m.StateChanges,
		m.ServiceCalls,
		m.ServiceErrors,
		m.AutomationRuns,
		m.AutomationDrops,
		m.MQTTMessages,
		m.WSConnections,
		m.DiscoveredCount,
		m.RecorderErrors,
	)
	return m
}

// Handler returns the /api/metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncWSConnections and DecWSConnections satisfy wsapi's local Metrics
// interface, tracking open event-stream connections.
func (m *Metrics) IncWSConnections() { m.WSConnections.Inc() }
func (m *Metrics) DecWSConnections() { m.WSConnections.Dec() }
