// Package metrics exposes Prometheus collectors for runs, team pattern
// executions, risk calls, rollbacks and the HTTP API on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/metalagman/clausegate/internal/coordinator"
	"github.com/metalagman/clausegate/internal/risk"
	"github.com/metalagman/clausegate/internal/rollback"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clausegate"

// Collector owns every clausegate metric.
type Collector struct {
	registry *prometheus.Registry

	runTransitions    *prometheus.CounterVec
	patternExecutions *prometheus.CounterVec
	patternDuration   *prometheus.HistogramVec
	riskCalls         *prometheus.CounterVec
	riskAttempts      prometheus.Histogram
	riskDuration      prometheus.Histogram
	rollbackChecks    *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

var _ coordinator.Observer = (*Collector)(nil)

// New builds a collector with Go runtime and process collectors installed.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		runTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run state transitions by target status.",
		}, []string{"to"}),
		patternExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_executions_total",
			Help:      "Team pattern executions by pattern and result.",
		}, []string{"pattern", "result"}),
		patternDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pattern_duration_seconds",
			Help:      "Team pattern execution time.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"pattern"}),
		riskCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_calls_total",
			Help:      "Risk assessment calls by result; fallback means UNKNOWN was substituted.",
		}, []string{"result"}),
		riskAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_call_attempts",
			Help:      "Attempts per risk assessment call.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		riskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_call_duration_seconds",
			Help:      "Risk assessment call time including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		rollbackChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_checks_total",
			Help:      "Experiment evaluations by result.",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RunTransition implements coordinator.Observer.
func (c *Collector) RunTransition(_, to coordinator.Status) {
	c.runTransitions.WithLabelValues(string(to)).Inc()
}

// PatternExecuted implements coordinator.Observer.
func (c *Collector) PatternExecuted(pattern string, d time.Duration, failed bool) {
	result := "success"
	if failed {
		result = "failed"
	}
	c.patternExecutions.WithLabelValues(pattern, result).Inc()
	c.patternDuration.WithLabelValues(pattern).Observe(d.Seconds())
}

// ObserveRisk is a risk.Observer.
func (c *Collector) ObserveRisk(o risk.Outcome) {
	result := "success"
	if o.Err != nil {
		result = "fallback"
	}
	c.riskCalls.WithLabelValues(result).Inc()
	c.riskAttempts.Observe(float64(o.Attempts))
	c.riskDuration.Observe(o.Duration.Seconds())
}

// ObserveVerdict records one rollback evaluation.
func (c *Collector) ObserveVerdict(v rollback.Verdict) {
	switch {
	case v.Err != nil:
		c.rollbackChecks.WithLabelValues("error").Inc()
	case v.Reverted:
		c.rollbackChecks.WithLabelValues("reverted").Inc()
	default:
		c.rollbackChecks.WithLabelValues("kept").Inc()
	}
}

// Middleware records request counts and latency. route labels requests so
// path parameters do not explode cardinality.
func (c *Collector) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
