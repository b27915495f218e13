package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	QuotaRejections    *prometheus.CounterVec
	CredentialFailures *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	MaintenanceMode    prometheus.Gauge
	IngestQueueDepth   prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrouter_requests_total",
			Help: "Total AI requests routed, by feature and outcome",
		}, []string{"feature", "provider", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medrouter_provider_latency_ms",
			Help:    "Upstream provider latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"feature", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrouter_tokens_total",
			Help: "Tokens consumed upstream",
		}, []string{"feature", "provider"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrouter_quota_rejections_total",
			Help: "Requests rejected by quota, by plan and dimension",
		}, []string{"plan", "dimension"}),
		CredentialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrouter_credential_failures_total",
			Help: "Recorded credential failures, by provider",
		}, []string{"provider"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrouter_fallbacks_total",
			Help: "Requests that fell back past the first credential",
		}, []string{"feature"}),
		MaintenanceMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medrouter_maintenance_mode",
			Help: "1 while maintenance mode is active",
		}),
		IngestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medrouter_ingest_queue_depth",
			Help: "Documents waiting in the ingestion queue",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.ProviderLatency, m.TokensTotal,
		m.QuotaRejections, m.CredentialFailures, m.FallbacksTotal,
		m.MaintenanceMode, m.IngestQueueDepth)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
