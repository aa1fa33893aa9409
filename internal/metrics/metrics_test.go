package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegistersWithoutPanic(t *testing.T) {
	r := New()
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { r.MustRegister(reg) })
}

func TestQueueDepthObservable(t *testing.T) {
	r := New()
	r.QueueDepth.Set(42)

	var m dto.Metric
	require.NoError(t, r.QueueDepth.Write(&m))
	require.Equal(t, float64(42), m.GetGauge().GetValue())
}

func TestCullAttemptsCountedByOutcome(t *testing.T) {
	r := New()
	r.CullAttempts.WithLabelValues("success").Inc()
	r.CullAttempts.WithLabelValues("success").Inc()
	r.CullAttempts.WithLabelValues("stale").Inc()

	var m dto.Metric
	require.NoError(t, r.CullAttempts.WithLabelValues("success").Write(&m))
	require.Equal(t, float64(2), m.GetCounter().GetValue())
}
