package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brettboylen/reddit-dau/models"
)

const metricsNamespace = "reddit_dau"

// Metrics holds the Prometheus collectors for a run. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pagesTotal      *prometheus.CounterVec
	recordsTotal    *prometheus.CounterVec
	stallsTotal     *prometheus.CounterVec
	daysTotal       *prometheus.CounterVec
	dayAuthors      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "search_requests_total",
				Help:      "Search requests sent, by record kind and response status",
			},
			[]string{"kind", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "search_request_duration_seconds",
				Help:      "Search request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pages_total",
				Help:      "Pages consumed and checkpointed, by record kind",
			},
			[]string{"kind"},
		),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_total",
				Help:      "Records consumed, by record kind",
			},
			[]string{"kind"},
		),
		stallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stalls_total",
				Help:      "Streams left incomplete after a stalled page, by record kind",
			},
			[]string{"kind"},
		),
		daysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "days_processed_total",
				Help:      "Days processed, by completeness",
			},
			[]string{"complete"},
		),
		dayAuthors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_day_unique_authors",
				Help:      "Unique contributor count of the most recently processed day",
			},
		),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.pagesTotal,
		m.recordsTotal,
		m.stallsTotal,
		m.daysTotal,
		m.dayAuthors,
	)

	return m
}

// ObserveRequest records one search attempt
func (m *Metrics) ObserveRequest(kind models.RecordKind, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requestsTotal.WithLabelValues(string(kind), label).Inc()
	m.requestDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) observePage(kind models.RecordKind, records int) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(string(kind)).Inc()
	m.recordsTotal.WithLabelValues(string(kind)).Add(float64(records))
}

func (m *Metrics) observeStall(kind models.RecordKind) {
	if m == nil {
		return
	}
	m.stallsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeDay(agg models.DailyAggregate) {
	if m == nil {
		return
	}
	m.daysTotal.WithLabelValues(strconv.FormatBool(agg.Complete)).Inc()
	m.dayAuthors.Set(float64(agg.UniqueAuthorCount))
}
