package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rulesmith/internal/model"
)

func TestAuthorize(t *testing.T) {
	cmdline, _ := model.SubAgentCmdline.Spec()
	registry, _ := model.SubAgentRegistry.Spec()

	tests := []struct {
		name       string
		mutate     func(*model.WorkflowConfig)
		spec       model.SubAgentSpec
		wantOK     bool
		wantStatus model.SubResultStatus
	}{
		{"enabled by default", func(*model.WorkflowConfig) {}, cmdline, true, ""},
		{"disabled", func(c *model.WorkflowConfig) {
			c.SubAgentsEnabled[model.SubAgentRegistry] = false
		}, registry, false, model.SubResultDisabled},
		{"eval target", func(c *model.WorkflowConfig) {
			c.EvalSubAgent = model.SubAgentRegistry
			c.SubAgentsEnabled[model.SubAgentRegistry] = false
		}, registry, true, ""},
		{"eval non-target", func(c *model.WorkflowConfig) {
			c.EvalSubAgent = model.SubAgentRegistry
		}, cmdline, false, model.SubResultSkippedEvalMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testWorkflow()
			tt.mutate(&cfg)
			status, ok := authorize(cfg, tt.spec)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestAggregate(t *testing.T) {
	specs := model.SubAgents()
	slots := make([]model.SubResult, len(specs))
	slots[0] = model.SubResult{SubAgent: model.SubAgentCmdline, Status: model.SubResultOK, Items: []any{"a.exe", "b.exe"}}
	slots[1] = model.SubResult{SubAgent: model.SubAgentProcessLineage, Status: model.SubResultParseError}
	slots[2] = model.SubResult{SubAgent: model.SubAgentHuntQueries, Status: model.SubResultOK, Items: []any{map[string]any{"query": "q"}}}
	// slots[3] left empty, as when the worker never started.

	out := aggregate(specs, slots)
	require.Len(t, out.SubResults, 4)
	assert.Equal(t, 3, out.TotalCount)
	assert.Len(t, out.Observables, 3)

	assert.Equal(t, 2, out.SubResults["cmdline"].Count)
	assert.Equal(t, 0, out.SubResults["process_lineage"].Count)
	assert.NotNil(t, out.SubResults["process_lineage"].Items)
	assert.Equal(t, model.SubResultError, out.SubResults["registry"].Status)
	assert.Equal(t, model.SubAgentRegistry, out.SubResults["registry"].SubAgent)

	assert.Equal(t, "cmdline", out.Observables[0].Category)
	assert.Equal(t, "hunt_queries", out.Observables[2].Category)
}

func TestNext(t *testing.T) {
	cfg := testWorkflow()
	want := []model.Stage{
		model.StageOSDetection,
		model.StageContentFilter,
		model.StageRank,
		model.StageExtract,
		model.StageSynthesizeRules,
		model.StageSimilarityScore,
		model.StagePromote,
	}
	var got []model.Stage
	for s := model.StageOSDetection; s != ""; s = next(s, cfg) {
		got = append(got, s)
	}
	assert.Equal(t, want, got)

	cfg.RankEnabled = false
	assert.Equal(t, model.StageExtract, next(model.StageContentFilter, cfg))
}

func TestStageResultKinds(t *testing.T) {
	assert.Equal(t, Continue, proceed().Kind)
	s := stop(model.TerminationNoRules, "none")
	assert.Equal(t, Stop, s.Kind)
	assert.Equal(t, model.TerminationNoRules, s.Reason)
	assert.Equal(t, "fatal", fatal(nil).Kind.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

func TestRunStateUsage(t *testing.T) {
	exec := &model.Execution{ConfigSnapshot: testWorkflow()}
	st := newRunState(exec, &model.Document{Content: "x"})
	st.addUsage(model.AgentRank, model.TokenUsage{Calls: 1, TotalTokens: 10})
	st.addUsage(model.AgentRank, model.TokenUsage{Calls: 1, TotalTokens: 5})
	st.addUsage(model.AgentSigma, model.TokenUsage{})
	st.snapshotUsage()

	require.Len(t, exec.Results.Usage, 1)
	assert.Equal(t, 2, exec.Results.Usage[model.AgentRank].Calls)
	assert.Equal(t, 15, st.totalUsage().TotalTokens)
}
