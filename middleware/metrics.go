/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import "github.com/prometheus/client_golang/prometheus"

const metricsLabelDryRun = "dry_run"

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents collector of metrics for rate limiting rejects.
type MetricsCollector struct {
	RateLimitRejects *prometheus.CounterVec
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	rateLimitRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejects_total",
		Help:      "Number of rejected requests due to rate limit exceeded.",
	}, []string{metricsLabelDryRun})

	return &MetricsCollector{
		RateLimitRejects: rateLimitRejects,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (mc *MetricsCollector) MustCurryWith(labels prometheus.Labels) *MetricsCollector {
	return &MetricsCollector{
		RateLimitRejects: mc.RateLimitRejects.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.RateLimitRejects,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.RateLimitRejects)
}

// IncRateLimitRejects increments the counter of requests rejected due to rate limit exceeded.
func (mc *MetricsCollector) IncRateLimitRejects(dryRun bool) {
	dryRunVal := metricsValNo
	if dryRun {
		dryRunVal = metricsValYes
	}
	mc.RateLimitRejects.With(prometheus.Labels{metricsLabelDryRun: dryRunVal}).Inc()
}
