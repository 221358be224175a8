package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/rulesmith/internal/config"
	"github.com/sells-group/rulesmith/internal/model"
)

func TestChecker_CheckSendsAlerts(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		status := model.ExecutionFailed
		if i == 0 {
			status = model.ExecutionCompleted
		}
		seedExecution(t, st, model.Execution{Status: status, CreatedAt: now.Add(-time.Minute)})
	}

	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		LookbackWindowHours:  1,
		FailureRateThreshold: 0.5,
	}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckQuiet(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.1}
	checker := NewChecker(NewCollector(newTestStore(t), nil), NewAlerter(cfg), cfg)
	assert.Empty(t, checker.Check(context.Background()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(newTestStore(t), nil), NewAlerter(cfg), cfg)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(newTestStore(t), nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
