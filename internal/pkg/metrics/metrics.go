package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefeed_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefeed_sync_cycles_total",
		Help: "Sync cycles by exchange and result",
	}, []string{"exchange", "result"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefeed_sync_duration_seconds",
		Help:    "Duration of completed sync cycles",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"exchange"})

	SyncRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefeed_sync_retries_total",
		Help: "Adapter retries inside a sync cycle",
	}, []string{"exchange", "reason"})

	SyncInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefeed_sync_in_flight",
		Help: "Sync cycles currently running",
	})

	CredentialDeactivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefeed_credential_deactivations_total",
		Help: "Credentials deactivated after consecutive failures",
	}, []string{"exchange"})

	TradesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefeed_trades_ingested_total",
		Help: "Ingested trades by classification",
	}, []string{"exchange", "kind"})

	HubEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefeed_hub_events_total",
		Help: "Events appended to channel buffers",
	}, []string{"channel_kind", "type"})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefeed_hub_subscribers",
		Help: "Currently connected subscriptions",
	})

	HubDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefeed_hub_disconnects_total",
		Help: "Subscriptions closed by reason",
	}, []string{"reason"})

	HubResumeGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefeed_hub_resume_gaps_total",
		Help: "Resume attempts that fell outside the retained buffer",
	})

	PublisherDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefeed_publisher_dropped_total",
		Help: "Domain changes dropped because the outbound publisher buffer was full",
	})
)
