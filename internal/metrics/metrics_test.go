package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	// Verify all metrics are registered without conflicts
	metrics := []prometheus.Collector{
		SessionsByState,
		SessionExtendsTotal,
		SessionExpirationsTotal,

		DriverCallDuration,
		DriverErrorsTotal,
		DriverBreakerState,

		SyncOperationsTotal,
		SyncRunning,
		SyncDurationSeconds,
		TransactionsIngestedTotal,
		TransactionsSkippedTotal,

		StatsReconcileRunsTotal,
		StatsDriftCorrectedTotal,
	}

	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 1)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(SessionExtendsTotal.WithLabelValues("auto", "success"))
	SessionExtendsTotal.WithLabelValues("auto", "success").Inc()
	after := testutil.ToFloat64(SessionExtendsTotal.WithLabelValues("auto", "success"))
	assert.Equal(t, before+1, after)
}

func TestGaugeSet(t *testing.T) {
	SessionsByState.WithLabelValues("active").Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(SessionsByState.WithLabelValues("active")))

	SyncRunning.Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(SyncRunning))
}
