package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chainsync/internal/config"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/rpcpool"
)

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{DeadLetterThreshold: 1, WebhookURL: srv.URL}
	collector := NewCollector(
		staticEndpoints{{URL: "a", BreakerState: "open"}},
		staticLoad{},
		staticDepth{depth: queue.Depth{Dead: 5}},
		nil,
	)
	checker := NewChecker(collector, testAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertAllBreakersOpen, alerts[0].Type)
	assert.Equal(t, AlertDeadLetters, alerts[1].Type)
	assert.Equal(t, int32(2), hits.Load())
}

func TestChecker_CheckHealthy(t *testing.T) {
	cfg := config.MonitoringConfig{ErrorRateThreshold: 0.5, MinRequests: 1, DeadLetterThreshold: 10}
	collector := NewCollector(staticEndpoints{
		{URL: "a", TotalRequests: 10, BreakerState: "closed"},
	}, staticLoad{}, nil, nil)
	checker := NewChecker(collector, testAlerter(cfg), cfg)

	assert.Empty(t, checker.Check(context.Background()))
}

func TestChecker_CheckRecordsMetrics(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewMetrics()
	cfg := config.MonitoringConfig{DeadLetterThreshold: 1, WebhookURL: srv.URL}
	collector := NewCollector(
		staticEndpoints{{URL: "a", BreakerState: "open"}},
		staticLoad{},
		staticDepth{depth: queue.Depth{Dead: 5}},
		m,
	)
	checker := NewChecker(collector, testAlerter(cfg), cfg)

	require.Len(t, checker.Check(context.Background()), 2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.HealthChecks.WithLabelValues(CheckAlerting)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsFired.WithLabelValues(string(AlertAllBreakersOpen))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsFired.WithLabelValues(string(AlertDeadLetters))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsActive.WithLabelValues(string(AlertDeadLetters))), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.AlertsActive.WithLabelValues(string(AlertEndpointErrorRate))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertDeliveries.WithLabelValues("sent")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertDeliveries.WithLabelValues("failed")), 0)
	assert.Positive(t, testutil.ToFloat64(m.LastCheck))
}

func TestChecker_ResolvedAlertClearsActiveGauge(t *testing.T) {
	m := NewMetrics()
	depth := &staticDepth{depth: queue.Depth{Dead: 5}}
	cfg := config.MonitoringConfig{DeadLetterThreshold: 1}
	checker := NewChecker(NewCollector(staticEndpoints{}, staticLoad{}, depth, m), testAlerter(cfg), cfg)

	require.Len(t, checker.Check(context.Background()), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsActive.WithLabelValues(string(AlertDeadLetters))), 0)

	depth.depth.Dead = 0
	assert.Empty(t, checker.Check(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(m.AlertsActive.WithLabelValues(string(AlertDeadLetters))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HealthChecks.WithLabelValues(CheckHealthy)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsFired.WithLabelValues(string(AlertDeadLetters))), 0)
	// No webhook configured, so nothing is counted as delivered.
	assert.InDelta(t, 0, testutil.ToFloat64(m.AlertDeliveries.WithLabelValues("sent")), 0)
}

func TestChecker_CollectFailureCounted(t *testing.T) {
	m := NewMetrics()
	collector := NewCollector(staticEndpoints{}, staticLoad{}, staticDepth{err: errors.New("db down")}, m)
	checker := NewChecker(collector, testAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	assert.Nil(t, checker.Check(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(m.HealthChecks.WithLabelValues(CheckFailed)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.LastCheck), 0)
}

func TestChecker_TransitionReportsResolvedTypes(t *testing.T) {
	checker := NewChecker(NewCollector(nil, nil, nil, nil), testAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	assert.Empty(t, checker.transition([]Alert{{Type: AlertDeadLetters}, {Type: AlertAllBreakersOpen}}))
	assert.Equal(t, []AlertType{AlertAllBreakersOpen},
		checker.transition([]Alert{{Type: AlertDeadLetters}}))
	assert.Equal(t, []AlertType{AlertDeadLetters}, checker.transition(nil))
	assert.Empty(t, checker.transition(nil))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(staticEndpoints{}, staticLoad{}, nil, nil)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1}
	checker := NewChecker(collector, testAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(staticEndpoints{}, staticLoad{}, nil, nil)
	checker := NewChecker(collector, testAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

var _ EndpointSource = (*rpcpool.Pool)(nil)
