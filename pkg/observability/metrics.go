package observability

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the reconciliation job.
type Metrics struct {
	// Tick metrics
	TicksTotal        *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	TickOverlapsTotal prometheus.Counter

	// Entry processing metrics
	EntriesProcessedTotal *prometheus.CounterVec

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Sweep and forecast metrics
	SubscriptionsExpiredTotal prometheus.Counter
	ForecastEntriesTotal      prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewd_ticks_total",
				Help: "Total number of reconciliation ticks by result",
			},
			[]string{"result"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "renewd_tick_duration_seconds",
				Help:    "Reconciliation tick duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		TickOverlapsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "renewd_tick_overlaps_total",
				Help: "Timer firings skipped because the previous tick was still running",
			},
		),
		EntriesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewd_entries_processed_total",
				Help: "Schedule entries processed by outcome",
			},
			[]string{"outcome"},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewd_gateway_requests_total",
				Help: "Payment gateway requests by operation and result",
			},
			[]string{"operation", "result"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renewd_gateway_request_duration_seconds",
				Help:    "Payment gateway request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewd_notifications_total",
				Help: "Payment failure notifications by result",
			},
			[]string{"result"},
		),
		SubscriptionsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "renewd_subscriptions_expired_total",
				Help: "Subscriptions force-expired by the sweep",
			},
		),
		ForecastEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "renewd_forecast_entries_total",
				Help: "Scheduled entries created by renewal forecasting",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "renewd_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "renewd_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.TickOverlapsTotal,
		m.EntriesProcessedTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.NotificationsTotal,
		m.SubscriptionsExpiredTotal,
		m.ForecastEntriesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// UpdateDBStats refreshes the connection pool gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// Handler returns an HTTP handler for the metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
