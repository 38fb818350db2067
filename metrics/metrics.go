// Package metrics exposes broker operation as Prometheus collectors,
// grounded on the teacher's internal/single/monitoring/metrics.go: a set of
// package-level collectors registered once, plus a Collector that copies
// host usage into gauges on each Sample call and a Handler for the
// /metrics HTTP endpoint.
package metrics

import (
	"net/http"

	"github.com/adred-codev/docsyncbroker/events"
	"github.com/adred-codev/docsyncbroker/internal/platform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_sessions_opened_total",
		Help: "Total number of sessions opened on this node.",
	})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_sessions_active",
		Help: "Current number of open sessions on this node.",
	})

	clientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_clients_connected",
		Help: "Current number of connected clients on this node.",
	})

	clientsDisconnectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_clients_disconnected_total",
		Help: "Total client disconnects by reason.",
	}, []string{"reason"})

	messagesInTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_messages_in_total",
		Help: "Total inbound messages processed, by type.",
	}, []string{"type"})

	messagesOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_messages_out_total",
		Help: "Total outbound messages sent, by type.",
	}, []string{"type"})

	permissionDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_permission_denied_total",
		Help: "Total messages rejected by the permission check.",
	})

	ingressRateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_ingress_rate_limited_total",
		Help: "Total inbound messages dropped by the per-client ingress limiter.",
	})

	replicationDedupedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_replication_deduped_total",
		Help: "Total replicated messages dropped as duplicates.",
	})

	documentSizeWarningTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_document_size_warning_total",
		Help: "Total times a document crossed its size warning threshold.",
	})

	documentSizeLimitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_document_size_limit_total",
		Help: "Total times a document crossed its hard size limit.",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_cpu_usage_percent",
		Help: "Host CPU usage percentage, sampled via gopsutil.",
	})

	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_memory_usage_bytes",
		Help: "Host memory usage in bytes, sampled via gopsutil.",
	})
)

func init() {
	prometheus.MustRegister(
		sessionsOpened,
		sessionsActive,
		clientsConnected,
		clientsDisconnectedTotal,
		messagesInTotal,
		messagesOutTotal,
		permissionDeniedTotal,
		ingressRateLimitedTotal,
		replicationDedupedTotal,
		documentSizeWarningTotal,
		documentSizeLimitTotal,
		cpuUsagePercent,
		memoryUsageBytes,
	)
}

// SessionOpened records a newly opened session.
func SessionOpened() {
	sessionsOpened.Inc()
	sessionsActive.Inc()
}

// SessionClosed records a session leaving the active set.
func SessionClosed() {
	sessionsActive.Dec()
}

// ClientConnected records a newly attached client.
func ClientConnected() {
	clientsConnected.Inc()
}

// ClientDisconnected records a client leaving, tagged by disconnect reason.
func ClientDisconnected(reason string) {
	clientsConnected.Dec()
	clientsDisconnectedTotal.WithLabelValues(reason).Inc()
}

// MessageIn records an inbound message of the given type.
func MessageIn(msgType string) {
	messagesInTotal.WithLabelValues(msgType).Inc()
}

// MessageOut records an outbound message of the given type.
func MessageOut(msgType string) {
	messagesOutTotal.WithLabelValues(msgType).Inc()
}

// PermissionDenied records a permission check rejecting a message.
func PermissionDenied() {
	permissionDeniedTotal.Inc()
}

// IngressRateLimited records a message dropped by the per-client limiter.
func IngressRateLimited() {
	ingressRateLimitedTotal.Inc()
}

// ReplicationDeduped records a replicated message dropped as a duplicate.
func ReplicationDeduped() {
	replicationDedupedTotal.Inc()
}

// DocumentSizeWarning records a document crossing its warning threshold.
func DocumentSizeWarning() {
	documentSizeWarningTotal.Inc()
}

// DocumentSizeLimitExceeded records a document crossing its hard limit.
func DocumentSizeLimitExceeded() {
	documentSizeLimitTotal.Inc()
}

// Wire subscribes the package counters to a broker's lifecycle bus, the
// same role the teacher's monitoring package plays when it registers
// itself with the server's Alerter.
func Wire(bus *events.Bus) events.Subscription {
	return bus.Subscribe(func(ev events.Event) {
		switch ev.Name {
		case events.DocumentLoad:
			SessionOpened()
		case events.DocumentUnload:
			SessionClosed()
		case events.ClientConnect:
			ClientConnected()
		case events.ClientDisconnect:
			if ev.ClientDisconnect != nil {
				ClientDisconnected(string(ev.ClientDisconnect.Reason))
			}
		case events.ClientMessage:
			if ev.ClientMessage != nil {
				if ev.ClientMessage.Direction == events.DirectionIn {
					MessageIn(ev.ClientMessage.MessageType)
				} else {
					MessageOut(ev.ClientMessage.MessageType)
				}
			}
		case events.DocumentMessage:
			if ev.DocumentMessage != nil && ev.DocumentMessage.Deduped {
				ReplicationDeduped()
			}
		case events.DocumentSizeWarning:
			DocumentSizeWarning()
		case events.DocumentSizeLimitExceeded:
			DocumentSizeLimitExceeded()
		}
	})
}

// Handler returns the http.Handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector copies host resource usage into the CPU/memory gauges above
// each time Sample is called; it runs no loop of its own, the caller
// drives it from a ticker.
type Collector struct {
	monitor *platform.Monitor
}

// NewCollector builds a Collector backed by the given platform monitor.
func NewCollector(monitor *platform.Monitor) *Collector {
	return &Collector{monitor: monitor}
}

// Sample reads the monitor's latest snapshot into the gauges. Call this
// after each platform.Monitor tick, or on its own ticker.
func (c *Collector) Sample() {
	usage := c.monitor.Current()
	cpuUsagePercent.Set(usage.CPUPercent)
	memoryUsageBytes.Set(float64(usage.MemoryBytes))
}
