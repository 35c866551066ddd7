// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exports scheduler metrics to Prometheus.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	queueWaitTime   *prometheus.HistogramVec
	activeWorkers   prometheus.Gauge

	tokensUsed *prometheus.CounterVec
	costTotal  *prometheus.CounterVec

	quotaAlertsTotal *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	cachedClients    prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector registered under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of scheduled requests by terminal status",
		},
		[]string{"tenant", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration from submit to terminal state",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tenant", "priority"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queued requests per priority tier",
		},
		[]string{"priority"},
	)

	c.queueWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent queued before dispatch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	c.activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of workers currently executing a request",
		},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed per tenant and model",
		},
		[]string{"tenant", "model"},
	)

	c.costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Accumulated request cost per tenant and model",
		},
		[]string{"tenant", "model"},
	)

	c.quotaAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_alerts_total",
			Help:      "Quota alert transitions per tenant and level",
		},
		[]string{"tenant", "level"},
	)

	c.retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts per tenant",
		},
		[]string{"tenant"},
	)

	c.cachedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_clients",
			Help:      "Number of cached provider clients",
		},
	)

	return c
}

// RecordRequest records a request reaching a terminal status.
func (c *Collector) RecordRequest(tenant, priority, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(tenant, status).Inc()
	c.requestDuration.WithLabelValues(tenant, priority).Observe(duration.Seconds())
}

// RecordQueueWait records the time an entry spent queued before dispatch.
func (c *Collector) RecordQueueWait(priority string, wait time.Duration) {
	c.queueWaitTime.WithLabelValues(priority).Observe(wait.Seconds())
}

// SetQueueDepth updates the queue depth gauge for one priority tier.
func (c *Collector) SetQueueDepth(priority string, depth int) {
	c.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetActiveWorkers updates the active worker gauge.
func (c *Collector) SetActiveWorkers(n int) {
	c.activeWorkers.Set(float64(n))
}

// RecordUsage accumulates token and cost counters for a completed call.
func (c *Collector) RecordUsage(tenant, model string, tokens int, cost float64) {
	c.tokensUsed.WithLabelValues(tenant, model).Add(float64(tokens))
	c.costTotal.WithLabelValues(tenant, model).Add(cost)
}

// RecordQuotaAlert records a quota level transition.
func (c *Collector) RecordQuotaAlert(tenant, level string) {
	c.quotaAlertsTotal.WithLabelValues(tenant, level).Inc()
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry(tenant string) {
	c.retriesTotal.WithLabelValues(tenant).Inc()
}

// SetCachedClients updates the cached client gauge.
func (c *Collector) SetCachedClients(n int) {
	c.cachedClients.Set(float64(n))
}
