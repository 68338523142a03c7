package metrics

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	requestDuration *prom.HistogramVec
	buildDuration   prom.Histogram
	buildOutcome    *prom.CounterVec
	searchQueries   prom.Counter
	discoveredRepos prom.Gauge
}

// NewPrometheusRecorder constructs and registers the server metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		requestDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "locomote",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by method and status",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "status"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "locomote",
			Name:      "build_duration_seconds",
			Help:      "External build tool duration",
			Buckets:   prom.DefBuckets,
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "locomote",
			Name:      "build_outcomes_total",
			Help:      "Completed builds by outcome",
		}, []string{"outcome"}),
		searchQueries: prom.NewCounter(prom.CounterOpts{
			Namespace: "locomote",
			Name:      "search_queries_total",
			Help:      "Search API queries served",
		}),
		discoveredRepos: prom.NewGauge(prom.GaugeOpts{
			Namespace: "locomote",
			Name:      "discovered_repos",
			Help:      "Content repositories found under the content root",
		}),
	}
	reg.MustRegister(pr.requestDuration, pr.buildDuration, pr.buildOutcome, pr.searchQueries, pr.discoveredRepos)
	return pr
}

func (p *PrometheusRecorder) ObserveRequest(method string, status int, d time.Duration) {
	if p == nil {
		return
	}
	p.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(success bool) {
	if p == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncSearchQuery() {
	if p == nil {
		return
	}
	p.searchQueries.Inc()
}

func (p *PrometheusRecorder) SetDiscoveredRepos(n int) {
	if p == nil {
		return
	}
	p.discoveredRepos.Set(float64(n))
}

// HTTPHandler serves the registry on the admin listener.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
