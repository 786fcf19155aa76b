package redemption

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives coordinator and reconciler measurements.
type Observer interface {
	ObserveOperation(operation, outcome string)
	ObserveProviderCall(operation string, duration time.Duration, err error)
	CompensationFailed()
	SetStuckSagas(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string)                  {}
func (nopObserver) ObserveProviderCall(string, time.Duration, error) {}
func (nopObserver) CompensationFailed()                              {}
func (nopObserver) SetStuckSagas(int)                                {}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

// =============================================================================
// PROMETHEUS
// =============================================================================

// PrometheusObserver exports redemption metrics.
type PrometheusObserver struct {
	operations           *prometheus.CounterVec
	providerCalls        *prometheus.HistogramVec
	compensationFailures prometheus.Counter
	stuckSagas           prometheus.Gauge
}

var _ Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the redemption metrics on reg
// (prometheus.DefaultRegisterer when nil). Registering twice reuses the
// existing collectors.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redemption_operations_total",
			Help: "Redemption operations by outcome.",
		}, []string{"operation", "outcome"}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redemption_provider_call_seconds",
			Help:    "Latency of reward provider calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		compensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redemption_compensation_failures_total",
			Help: "Refunds whose remote deactivation failed.",
		}),
		stuckSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redemption_stuck_sagas",
			Help: "Redemptions needing attention at the last reconciliation sweep.",
		}),
	}

	if err := reg.Register(o.operations); err != nil {
		existing, err := reuse[*prometheus.CounterVec](err)
		if err != nil {
			return nil, fmt.Errorf("register operations counter: %w", err)
		}
		o.operations = existing
	}
	if err := reg.Register(o.providerCalls); err != nil {
		existing, err := reuse[*prometheus.HistogramVec](err)
		if err != nil {
			return nil, fmt.Errorf("register provider histogram: %w", err)
		}
		o.providerCalls = existing
	}
	if err := reg.Register(o.compensationFailures); err != nil {
		existing, err := reuse[prometheus.Counter](err)
		if err != nil {
			return nil, fmt.Errorf("register compensation counter: %w", err)
		}
		o.compensationFailures = existing
	}
	if err := reg.Register(o.stuckSagas); err != nil {
		existing, err := reuse[prometheus.Gauge](err)
		if err != nil {
			return nil, fmt.Errorf("register stuck gauge: %w", err)
		}
		o.stuckSagas = existing
	}
	return o, nil
}

func reuse[T prometheus.Collector](err error) (T, error) {
	var zero T
	are, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		return zero, err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return zero, err
	}
	return existing, nil
}

func (o *PrometheusObserver) ObserveOperation(operation, outcome string) {
	if o == nil {
		return
	}
	o.operations.WithLabelValues(operation, outcome).Inc()
}

func (o *PrometheusObserver) ObserveProviderCall(operation string, duration time.Duration, _ error) {
	if o == nil {
		return
	}
	o.providerCalls.WithLabelValues(operation).Observe(duration.Seconds())
}

func (o *PrometheusObserver) CompensationFailed() {
	if o == nil {
		return
	}
	o.compensationFailures.Inc()
}

func (o *PrometheusObserver) SetStuckSagas(n int) {
	if o == nil {
		return
	}
	o.stuckSagas.Set(float64(n))
}
