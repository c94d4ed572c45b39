package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "mediavault"

// Metrics owns a private registry and records reconciliation, deletion and
// license counters. It satisfies reconcile.Observer,
// metadiff.DeletionObserver and license.ValidationObserver.
type Metrics struct {
	registry *prometheus.Registry

	webhooksTotal          *prometheus.CounterVec
	signatureFailuresTotal *prometheus.CounterVec
	statusFlipsTotal       *prometheus.CounterVec
	assetDeletionsTotal    *prometheus.CounterVec
	licenseValidations     *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry. licenseActive,
// when non-nil, backs the license_active gauge.
func NewMetrics(licenseActive func() bool) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	metrics := &Metrics{
		registry: registry,
		webhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhooks_total",
				Help:      "Webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		signatureFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_signature_failures_total",
				Help:      "Webhook deliveries rejected before parsing",
			},
			[]string{"provider", "reason"},
		),
		statusFlipsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "status_flips_total",
				Help:      "Entities moved from pending to ready",
			},
			[]string{"provider"},
		),
		assetDeletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "asset_deletions_total",
				Help:      "Remote asset deletion attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		licenseValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "license_validations_total",
				Help:      "License revalidation attempts by result",
			},
			[]string{"result"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	if licenseActive != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "license_active",
				Help:      "1 when the license permits gated features",
			},
			func() float64 {
				if licenseActive() {
					return 1
				}
				return 0
			},
		)
	}
	return metrics
}

func (m *Metrics) ObserveWebhook(provider, outcome string) {
	m.webhooksTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveSignatureFailure(provider, reason string) {
	m.signatureFailuresTotal.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) ObserveStatusFlip(provider string) {
	m.statusFlipsTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveDeletion(provider, outcome string) {
	m.assetDeletionsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveLicenseValidation(result string) {
	m.licenseValidations.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(started).Seconds())
	}
}
