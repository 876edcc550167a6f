package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the affiliation-check flow.
// Outcomes are labelled by the stable response code so dashboards can split
// business-negative results from upstream failures.
type Metrics struct {
	Checks           *prometheus.CounterVec
	IdempotentReplay prometheus.Counter
	RateLimited      prometheus.Counter
	UpstreamDuration prometheus.Histogram
}

// New registers and returns the affiliation metrics. Call once per process.
func New() *Metrics {
	return &Metrics{
		Checks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "affgate_checks_total",
			Help: "Total affiliation checks by outcome code",
		}, []string{"code"}),
		IdempotentReplay: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affgate_idempotent_replays_total",
			Help: "Responses served verbatim from the idempotency store",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affgate_rate_limited_total",
			Help: "Requests rejected by a local rate limit window",
		}),
		UpstreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "affgate_upstream_duration_seconds",
			Help:    "Duration of broker affiliation calls including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
	}
}

// RecordCheck counts a terminal outcome. Pass an empty code for success.
func (m *Metrics) RecordCheck(code string) {
	if code == "" {
		code = "OK"
	}
	m.Checks.WithLabelValues(code).Inc()
}

// ObserveUpstream records the duration of a broker call.
// Call with time.Now() at the start of the call.
func (m *Metrics) ObserveUpstream(start time.Time) {
	m.UpstreamDuration.Observe(time.Since(start).Seconds())
}
