// Package metrics holds the gateway's Prometheus collectors. All of them are
// registered against the default registry and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClassifierDenials counts rejected stream requests by denial reason.
	ClassifierDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_classifier_denials_total",
		Help: "Stream requests rejected by the request classifier, by reason.",
	}, []string{"reason"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_rate_limited_total",
		Help: "Requests rejected by the connection-rate guard.",
	})

	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_sessions_issued_total",
		Help: "Session grants committed by the negotiation endpoint.",
	})

	// UpstreamRequests is labelled by kind (manifest|media) and outcome (ok|error).
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_upstream_requests_total",
		Help: "Requests issued to the media origin.",
	}, []string{"kind", "outcome"})

	BytesProxied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_bytes_proxied_total",
		Help: "Media bytes streamed from origin to clients.",
	})

	ManifestsRewritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_manifests_rewritten_total",
		Help: "HLS playlists rewritten to route through the gateway.",
	})
)

// RegisterGuardClients exposes the connection guard's tracked-address count.
func RegisterGuardClients(reg prometheus.Registerer, tracked func() int) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "streamgate_guard_tracked_clients",
		Help: "Client addresses currently tracked by the connection-rate guard.",
	}, func() float64 { return float64(tracked()) })
}
