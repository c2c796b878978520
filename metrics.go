package sshaio

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkg/sshaio/engine"
)

// Metrics holds the collectors updated by the adapter loop.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	calls       *prometheus.CounterVec
	suspensions *prometheus.CounterVec
	guardWait   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sshaio",
		Name:      "engine_calls_total",
		Help:      "Engine operations that produced a definite result, by outcome.",
	}, []string{"op", "result"})
	suspensions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sshaio",
		Name:      "suspensions_total",
		Help:      "Times an operation waited for transport readiness.",
	}, []string{"op", "direction"})
	guardWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sshaio",
		Name:      "guard_wait_seconds",
		Help:      "Time spent queued for the per-connection engine guard.",
		Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
	})

	var err error
	m := new(Metrics)
	if m.calls, err = registerOrReuse(reg, calls); err != nil {
		return nil, err
	}
	if m.suspensions, err = registerOrReuse(reg, suspensions); err != nil {
		return nil, err
	}
	if m.guardWait, err = registerOrReuse(reg, guardWait); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "sshaio: register metrics")
	}
	return c, nil
}

func (m *Metrics) observeCall(op string, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *Metrics) observeSuspension(op string, dir engine.Direction) {
	if m == nil {
		return
	}
	m.suspensions.WithLabelValues(op, dir.String()).Inc()
}

func (m *Metrics) observeGuardWait(d time.Duration) {
	if m == nil {
		return
	}
	m.guardWait.Observe(d.Seconds())
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var cerr *CancelError
	if errors.As(err, &cerr) {
		return "cancelled"
	}
	return engine.CodeOf(err).String()
}
