package sshaio

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/internal/enginetest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng := enginetest.New(t, enginetest.WithPassword(testUser, testPassword))
	s := connect(t, eng, WithMetrics(reg))
	ctx := testContext(t)

	require.Error(t, s.AuthPassword(ctx, testUser, "wrong"))

	eng.Block("Session.AuthPassword", 2, engine.Write)
	require.NoError(t, s.AuthPassword(ctx, testUser, testPassword))

	m := s.metrics
	require.NotNil(t, m)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("handshake", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("auth password", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("auth password", "authentication failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.suspensions.WithLabelValues("auth password", "write")))

	n, err := testutil.GatherAndCount(reg, "sshaio_guard_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a second session on the same registerer shares the collectors
	other, err := NewSession(enginetest.New(t), WithMetrics(reg))
	require.NoError(t, err)
	assert.Same(t, m.calls, other.metrics.calls)
	assert.Same(t, m.suspensions, other.metrics.suspensions)
}

func TestMetricsConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sshaio",
		Name:      "engine_calls_total",
		Help:      "something else",
	}))

	_, err := NewMetrics(reg)
	assert.Error(t, err)

	_, err = NewSession(enginetest.New(t), WithMetrics(reg))
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.observeCall("read", nil)
		m.observeSuspension("read", engine.Read)
		m.observeGuardWait(0)
	})
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "cancelled", resultLabel(&CancelError{Op: "read", Err: context.Canceled}))
	assert.Equal(t, "channel failure", resultLabel(engine.Errorf(engine.CodeChannelFailure, "exec", "denied")))
	assert.Equal(t, "unknown", resultLabel(ErrClosed))
}
