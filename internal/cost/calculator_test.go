package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/rulesmith/internal/model"
)

func TestUsage(t *testing.T) {
	t.Parallel()
	calc := NewCalculator()

	tests := []struct {
		name     string
		provider string
		model    string
		usage    model.TokenUsage
		want     float64
	}{
		{
			name: "gpt-4o-mini",
			provider: "openai", model: "gpt-4o-mini",
			usage: model.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 100_000},
			want:  0.15 + 0.06,
		},
		{
			name: "sonnet",
			provider: "anthropic", model: "claude-sonnet-4-5-20250929",
			usage: model.TokenUsage{PromptTokens: 200_000, CompletionTokens: 20_000},
			// in: 0.2 * 3.00 = 0.60, out: 0.02 * 15.00 = 0.30
			want: 0.90,
		},
		{
			name: "local is free",
			provider: "local", model: "qwen2.5-14b-instruct",
			usage: model.TokenUsage{PromptTokens: 5_000_000, CompletionTokens: 1_000_000},
			want:  0,
		},
		{
			name: "unknown model",
			provider: "openai", model: "gpt-9",
			usage: model.TokenUsage{PromptTokens: 1_000_000},
			want:  0,
		},
		{
			name: "case insensitive",
			provider: "OpenAI", model: "GPT-4o",
			usage: model.TokenUsage{PromptTokens: 1_000_000},
			want:  2.50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Usage(tt.provider, tt.model, tt.usage), 1e-9)
		})
	}
}

func TestNewCalculator_Overrides(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(
		ModelRate{Provider: "openai", Model: "gpt-4o", Input: 1.00, Output: 2.00},
		ModelRate{Provider: "openai", Model: "o3-mini", Input: 1.10, Output: 4.40},
	)

	r, ok := calc.Rate("openai", "gpt-4o")
	assert.True(t, ok)
	assert.InDelta(t, 1.00, r.Input, 1e-9)

	_, ok = calc.Rate("openai", "o3-mini")
	assert.True(t, ok)

	_, ok = calc.Rate("anthropic", "claude-opus-4-6")
	assert.True(t, ok, "defaults survive overrides")
}

func TestExecution(t *testing.T) {
	t.Parallel()
	calc := NewCalculator()

	exec := model.Execution{
		ConfigSnapshot: model.WorkflowConfig{
			Agents: map[string]model.AgentSettings{
				model.AgentRank:        {Provider: "openai", Model: "gpt-4o-mini"},
				model.AgentSigma:       {Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"},
				model.AgentOSDetection: {Provider: "local", Model: "qwen2.5-14b-instruct"},
				model.AgentCmdline:     {Provider: "openai", Model: "unlisted"},
			},
		},
		Results: model.StageResults{
			Usage: map[string]model.TokenUsage{
				model.AgentRank:        {PromptTokens: 1_000_000},
				model.AgentSigma:       {CompletionTokens: 100_000},
				model.AgentOSDetection: {PromptTokens: 1_000_000},
				model.AgentCmdline:     {PromptTokens: 10},
				"RetiredAgent":         {PromptTokens: 10},
			},
		},
	}

	b := calc.Execution(exec)
	assert.InDelta(t, 0.15+1.50, b.Total, 1e-9)
	assert.InDelta(t, 0.15, b.ByAgent[model.AgentRank], 1e-9)
	assert.InDelta(t, 0, b.ByAgent[model.AgentOSDetection], 1e-9)
	assert.Equal(t, []string{model.AgentCmdline, "RetiredAgent"}, b.Unpriced)
}
