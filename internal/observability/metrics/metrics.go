package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	DeviceKeyQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_key_queries_total",
			Help: "Device key queries served, by outcome.",
		},
		[]string{"service", "outcome"},
	)

	KeyUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_uploads_total",
			Help: "Device/one-time key uploads, by outcome.",
		},
		[]string{"service", "outcome"},
	)

	OneTimeKeyClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "one_time_key_claims_total",
			Help: "One-time key claim requests, by outcome.",
		},
		[]string{"service", "outcome"},
	)

	SigningKeyUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signing_key_uploads_total",
			Help: "Cross-signing key and signature uploads, by outcome.",
		},
		[]string{"service", "outcome"},
	)

	FederationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_failures_total",
			Help: "Per-destination federation failures recorded in responses.",
		},
		[]string{"service", "operation"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	DeviceKeyQueriesTotal = DeviceKeyQueriesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	KeyUploadsTotal = KeyUploadsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	OneTimeKeyClaimsTotal = OneTimeKeyClaimsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	SigningKeyUploadsTotal = SigningKeyUploadsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	FederationFailuresTotal = FederationFailuresTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DeviceKeyQueriesTotal,
		KeyUploadsTotal,
		OneTimeKeyClaimsTotal,
		SigningKeyUploadsTotal,
		FederationFailuresTotal,
	)
}
