// Package metrics 汇总各组件上报的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authstate"

// Metrics 各组件共用的指标集合，main 中统一注册
type Metrics struct {
	BackendHealthy      *prometheus.GaugeVec
	BackendFailures     *prometheus.CounterVec
	ShadowWriteFailures *prometheus.CounterVec
	Fallbacks           *prometheus.CounterVec
	SyncRuns            *prometheus.CounterVec
	SyncItems           *prometheus.CounterVec
	CleanupRemoved      *prometheus.CounterVec
	CleanupFailures     prometheus.Counter
	CleanupDuration     prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		BackendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_healthy",
			Help:      "Last health verdict per backend (1 healthy, 0 unhealthy).",
		}, []string{"backend"}),
		BackendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failures_total",
			Help:      "Recorded backend operation failures.",
		}, []string{"backend", "op"}),
		ShadowWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shadow_write_failures_total",
			Help:      "Durable replication writes that failed after the cache write succeeded.",
		}, []string{"kind", "op"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Operations served by the durable backend because the cache was unhealthy or failed.",
		}, []string{"kind", "op"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Reconciliation runs by operation and result.",
		}, []string{"operation", "result"}),
		SyncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Records processed by reconciliation by operation and result.",
		}, []string{"operation", "result"}),
		CleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Expired records removed by the cleanup job.",
		}, []string{"kind"}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Cleanup runs that did not fully succeed.",
		}),
		CleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Cleanup run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Register 在外层 main 包里调用
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.BackendHealthy,
		m.BackendFailures,
		m.ShadowWriteFailures,
		m.Fallbacks,
		m.SyncRuns,
		m.SyncItems,
		m.CleanupRemoved,
		m.CleanupFailures,
		m.CleanupDuration,
	)
}
