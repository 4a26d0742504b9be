package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "repobuilder"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	buildDuration prom.Histogram
	buildOutcome  *prom.CounterVec
	retries       *prom.CounterVec
	promotions    *prom.CounterVec
	purged        prom.Counter
	skipped       *prom.CounterVec
	fetchDuration *prom.HistogramVec
	queueDepth    prom.Gauge
}

// NewPrometheusRecorder constructs and registers the repobuilder metrics on reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of individual package builds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Processed builds by recorded status",
		}, []string{"status"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_retries_total",
			Help:      "Builds recorded as RETRY after a known transient failure",
		}, []string{"project"}),
		promotions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Promotion link updates by name",
		}, []string{"name"}),
		purged: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "purged_commits_total",
			Help:      "Commits flagged as purged by the retention engine",
		}),
		skipped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_projects_total",
			Help:      "Projects skipped because their sources could not be fetched",
		}, []string{"project"}),
		fetchDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Duration of package source refreshes",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "build_queue_depth",
			Help:      "Commits selected for the current scheduling pass",
		}),
	}
	reg.MustRegister(pr.buildDuration, pr.buildOutcome, pr.retries, pr.promotions,
		pr.purged, pr.skipped, pr.fetchDuration, pr.queueDepth)
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(status string) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncRetry(project string) {
	if p == nil {
		return
	}
	p.retries.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) IncPromotion(name string) {
	if p == nil {
		return
	}
	p.promotions.WithLabelValues(name).Inc()
}

func (p *PrometheusRecorder) AddPurged(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.purged.Add(float64(n))
}

func (p *PrometheusRecorder) IncSkipped(project string) {
	if p == nil {
		return
	}
	p.skipped.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) ObserveFetchDuration(d time.Duration, result ResultLabel) {
	if p == nil {
		return
	}
	p.fetchDuration.WithLabelValues(string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}
