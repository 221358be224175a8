package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rulesmith/internal/cost"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func pricedConfig() model.WorkflowConfig {
	return model.WorkflowConfig{
		Agents: map[string]model.AgentSettings{
			model.AgentRank: {Provider: "openai", Model: "gpt-4o-mini"},
		},
	}
}

func seedExecution(t *testing.T, st store.Store, exec model.Execution) {
	t.Helper()
	exec.DocumentID = "doc-1"
	exec.ConfigSnapshot = pricedConfig()
	require.NoError(t, st.CreateExecution(context.Background(), &exec))
}

func TestCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	usage := map[string]model.TokenUsage{
		model.AgentRank: {Calls: 1, PromptTokens: 1_000_000, TotalTokens: 1_000_000},
	}
	seedExecution(t, st, model.Execution{Status: model.ExecutionCompleted, CreatedAt: now.Add(-time.Hour),
		Results: model.StageResults{QueuedRuleIDs: []string{"r1", "r2"}, Usage: usage}})
	seedExecution(t, st, model.Execution{Status: model.ExecutionCompleted, CreatedAt: now.Add(-2 * time.Hour),
		TerminationReason: model.TerminationBelowThreshold})
	seedExecution(t, st, model.Execution{Status: model.ExecutionFailed, CreatedAt: now.Add(-3 * time.Hour),
		Results: model.StageResults{Usage: usage}})
	seedExecution(t, st, model.Execution{Status: model.ExecutionRunning, CreatedAt: now.Add(-time.Minute)})
	// Outside the window.
	seedExecution(t, st, model.Execution{Status: model.ExecutionFailed, CreatedAt: now.Add(-48 * time.Hour)})

	_, err := st.EnqueueRules(ctx, []model.QueueEntry{
		{ExecutionID: "e1", Rule: model.GeneratedRule{Title: "a"}},
		{ExecutionID: "e1", Rule: model.GeneratedRule{Title: "b"}},
		{ExecutionID: "e1", Rule: model.GeneratedRule{Title: "c"}, Status: model.QueueApproved},
	})
	require.NoError(t, err)

	snap, err := NewCollector(st, cost.NewCalculator()).Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.ExecutionsTotal)
	assert.Equal(t, 2, snap.ExecutionsCompleted)
	assert.Equal(t, 1, snap.ExecutionsFailed)
	assert.Equal(t, 1, snap.ExecutionsRunning)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.0001)
	assert.Equal(t, 1, snap.Terminations[model.TerminationBelowThreshold])
	assert.Equal(t, 2, snap.RulesQueued)
	assert.InDelta(t, 0.30, snap.CostUSD, 0.0001)
	assert.Equal(t, 500_000, snap.AvgTokens)
	assert.Equal(t, 2, snap.PendingReview)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := NewCollector(newTestStore(t), nil).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.ExecutionsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.AvgTokens)
}

func TestCollector_StoreError(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Close())

	_, err = NewCollector(st, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list executions")
}
