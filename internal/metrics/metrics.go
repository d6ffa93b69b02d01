// Package metrics exposes Prometheus collectors for the rate limiter and the
// HTTP API that fronts it.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serroba/ratelimit-service/internal/ratelimit"
)

const (
	resultAllowed = "allowed"
	resultDenied  = "denied"
)

// Metrics holds every collector the service registers.
type Metrics struct {
	gatherer prometheus.Gatherer

	Decisions     *prometheus.CounterVec
	TrackedKeys   prometheus.Gauge
	SweepEvicted  prometheus.Counter
	SweepDuration prometheus.Histogram
	DroppedEvents prometheus.Counter

	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// Collectors that are already registered are reused.
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{gatherer: reg}

	var err error

	if m.Decisions, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Rate limit decisions by enforced category and result.",
	}, []string{"category", "result"})); err != nil {
		return nil, err
	}

	if m.TrackedKeys, err = registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_keys",
		Help: "Request logs held in memory after the last sweep.",
	})); err != nil {
		return nil, err
	}

	if m.SweepEvicted, err = registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_sweep_evicted_keys_total",
		Help: "Request logs removed by the periodic sweep.",
	})); err != nil {
		return nil, err
	}

	if m.SweepDuration, err = registerOrReuse(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ratelimit_sweep_duration_seconds",
		Help:    "Duration of periodic sweeps.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})); err != nil {
		return nil, err
	}

	if m.DroppedEvents, err = registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_denial_events_dropped_total",
		Help: "Denial events not published because of throttling.",
	})); err != nil {
		return nil, err
	}

	if m.Requests, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}

	if m.Duration, err = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})); err != nil {
		return nil, err
	}

	if m.InFlight, err = registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_inflight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})); err != nil {
		return nil, err
	}

	return m, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, fmt.Errorf("register collector: %w", err)
	}

	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
	}

	return existing, nil
}

// ObserveDecision implements ratelimit.Observer.
func (m *Metrics) ObserveDecision(category ratelimit.Category, allowed bool) {
	result := resultDenied
	if allowed {
		result = resultAllowed
	}

	m.Decisions.WithLabelValues(string(category), result).Inc()
}

// ObserveSweep implements ratelimit.Observer.
func (m *Metrics) ObserveSweep(result ratelimit.SweepResult, elapsed time.Duration) {
	m.TrackedKeys.Set(float64(result.RemainingKeys))
	m.SweepEvicted.Add(float64(result.EvictedKeys))
	m.SweepDuration.Observe(elapsed.Seconds())
}

// ObserveDroppedEvent counts a denial event that was throttled away.
func (m *Metrics) ObserveDroppedEvent() {
	m.DroppedEvents.Inc()
}

// Middleware returns a Huma middleware that records request metrics.
// The route label is the operation path template to keep cardinality bounded.
func (m *Metrics) Middleware() func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		m.InFlight.Inc()
		defer m.InFlight.Dec()

		next(ctx)

		route := "unknown"
		if op := ctx.Operation(); op != nil {
			route = op.Path
		}

		status := ctx.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.Requests.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
		m.Duration.WithLabelValues(ctx.Method(), route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Compile-time check.
var _ ratelimit.Observer = (*Metrics)(nil)
