package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the sync engine, the push client
// and the reference backend. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Persistence
	WritesTotal   *prometheus.CounterVec
	WriteDuration *prometheus.HistogramVec
	SkipsTotal    *prometheus.CounterVec

	// Loading and refresh
	LoadsTotal     *prometheus.CounterVec
	LoadDuration   *prometheus.HistogramVec
	RefreshesTotal *prometheus.CounterVec
	TenantSwitches prometheus.Counter

	// Push channel
	PushEvents     *prometheus.CounterVec
	PushReconnects prometheus.Counter
	PushRooms      prometheus.Gauge

	// Local cache
	CacheOps *prometheus.CounterVec

	// Reference backend
	HTTPRequests *prometheus.CounterVec
	HubClients   prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil registerer
// yields working but unregistered collectors, which keeps tests free of
// duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_writes_total",
				Help: "Total number of persistence writes issued to the backend",
			},
			[]string{"key", "mode", "result"},
		),
		WriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantsync_write_duration_seconds",
				Help:    "Duration of persistence writes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		SkipsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_persist_skips_total",
				Help: "Change detections that did not lead to a write, by reason",
			},
			[]string{"key", "reason"},
		),
		LoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_loads_total",
				Help: "Tier loads by result",
			},
			[]string{"tier", "result"},
		),
		LoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantsync_load_duration_seconds",
				Help:    "Duration of tier loads",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		RefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_refreshes_total",
				Help: "Refresh events handled, by outcome",
			},
			[]string{"key", "outcome"},
		),
		TenantSwitches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantsync_tenant_switches_total",
				Help: "Total number of active tenant changes",
			},
		),
		PushEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_push_events_total",
				Help: "Push channel messages by type",
			},
			[]string{"type"},
		),
		PushReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantsync_push_reconnects_total",
				Help: "Total number of push channel reconnect attempts",
			},
		),
		PushRooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantsync_push_rooms",
				Help: "Tenant rooms currently joined",
			},
		),
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_cache_operations_total",
				Help: "Local cache operations by backend, operation and result",
			},
			[]string{"backend", "op", "result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_server_requests_total",
				Help: "Reference backend HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		HubClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantsync_server_push_clients",
				Help: "Connected push clients",
			},
		),
	}
}

func (m *Metrics) ObserveWrite(key, mode, result string, seconds float64) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(key, mode, result).Inc()
	m.WriteDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) ObserveSkip(key, reason string) {
	if m == nil {
		return
	}
	m.SkipsTotal.WithLabelValues(key, reason).Inc()
}

func (m *Metrics) ObserveLoad(tier, result string, seconds float64) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(tier, result).Inc()
	m.LoadDuration.WithLabelValues(tier).Observe(seconds)
}

func (m *Metrics) ObserveRefresh(key, outcome string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(key, outcome).Inc()
}

func (m *Metrics) ObserveTenantSwitch() {
	if m == nil {
		return
	}
	m.TenantSwitches.Inc()
}

func (m *Metrics) ObservePushEvent(eventType string) {
	if m == nil {
		return
	}
	m.PushEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObservePushReconnect() {
	if m == nil {
		return
	}
	m.PushReconnects.Inc()
}

func (m *Metrics) SetPushRooms(n int) {
	if m == nil {
		return
	}
	m.PushRooms.Set(float64(n))
}

func (m *Metrics) ObserveCacheOp(backend, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CacheOps.WithLabelValues(backend, op, result).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
}

func (m *Metrics) SetHubClients(n int) {
	if m == nil {
		return
	}
	m.HubClients.Set(float64(n))
}
