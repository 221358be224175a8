package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/cost"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/store"
)

const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of workflow health.
type MetricsSnapshot struct {
	// Executions created within the lookback window.
	ExecutionsTotal     int                             `json:"executions_total"`
	ExecutionsCompleted int                             `json:"executions_completed"`
	ExecutionsFailed    int                             `json:"executions_failed"`
	ExecutionsRunning   int                             `json:"executions_running"`
	FailRate            float64                         `json:"fail_rate"`
	Terminations        map[model.TerminationReason]int `json:"terminations,omitempty"`
	RulesQueued         int                             `json:"rules_queued"`
	CostUSD             float64                         `json:"cost_usd"`
	AvgTokens           int                             `json:"avg_tokens"`

	// Review queue depth, regardless of window.
	PendingReview int `json:"pending_review"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	calc  *cost.Calculator
}

// NewCollector creates a new metrics collector. A nil calculator uses the
// default rates.
func NewCollector(st store.Store, calc *cost.Calculator) *Collector {
	if calc == nil {
		calc = cost.NewCalculator()
	}
	return &Collector{store: st, calc: calc}
}

// Collect gathers a snapshot of workflow metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		Terminations:  make(map[model.TerminationReason]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	execs, err := c.store.ListExecutions(ctx, store.ExecutionFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list executions")
	}

	var totalTokens int
	for _, e := range execs {
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		snap.ExecutionsTotal++
		switch e.Status {
		case model.ExecutionCompleted:
			snap.ExecutionsCompleted++
			if e.TerminationReason != "" {
				snap.Terminations[e.TerminationReason]++
			}
		case model.ExecutionFailed:
			snap.ExecutionsFailed++
		case model.ExecutionRunning:
			snap.ExecutionsRunning++
		}
		snap.RulesQueued += len(e.Results.QueuedRuleIDs)
		snap.CostUSD += c.calc.Execution(e).Total
		for _, u := range e.Results.Usage {
			totalTokens += u.TotalTokens
		}
	}

	if finished := snap.ExecutionsCompleted + snap.ExecutionsFailed; finished > 0 {
		snap.FailRate = float64(snap.ExecutionsFailed) / float64(finished)
	}
	if snap.ExecutionsTotal > 0 {
		snap.AvgTokens = totalTokens / snap.ExecutionsTotal
	}

	pending, err := c.store.ListQueue(ctx, store.QueueFilter{Status: model.QueuePending, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list review queue")
	}
	snap.PendingReview = len(pending)

	return snap, nil
}
