package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amplifyhq/tallyman/internal/models"
	"github.com/amplifyhq/tallyman/pkg/monitoring"
)

// Metrics bundles the Prometheus instruments for batch processing.
// A nil *Metrics disables instrumentation, which keeps tests free of
// global registry collisions.
type Metrics struct {
	runs             *prometheus.CounterVec
	tweets           *prometheus.CounterVec
	engagements      *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
}

func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	runs, tweets, engagements, duration := mc.CreateBatchMetrics()
	upstreamRequests, upstreamErrors := mc.CreateUpstreamMetrics()
	return &Metrics{
		runs:             runs,
		tweets:           tweets,
		engagements:      engagements,
		duration:         duration,
		upstreamRequests: upstreamRequests,
		upstreamErrors:   upstreamErrors,
	}
}

func (m *Metrics) runFinished(status models.RunStatus, mode models.RunMode, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status), string(mode)).Inc()
	m.duration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) tweetProcessed(mode models.RunMode) {
	if m == nil {
		return
	}
	m.tweets.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) engagementAwarded(typ models.InteractionType) {
	if m == nil {
		return
	}
	m.engagements.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) upstreamCall(endpoint string, err error) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(endpoint).Inc()
	if err != nil {
		m.upstreamErrors.WithLabelValues(endpoint).Inc()
	}
}
