package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
)

const (
	// defaultContextWindow sizes document budgets when no discoverer is set.
	defaultContextWindow = 16384
	// defaultReservedOutput is kept free for the answer when an agent sets
	// no max_tokens.
	defaultReservedOutput = 2048
	// promptOverhead covers message framing and section headers.
	promptOverhead = 200
)

// agentCall is one model call made on behalf of a logical agent.
type agentCall struct {
	agent   string
	system  string
	user    string
	latency llm.LatencyClass
}

// call sends c using the agent's settings from the config snapshot and
// records its token usage.
func (e *Engine) call(ctx context.Context, st *runState, c agentCall) (*llm.Response, error) {
	settings, ok := st.cfg.Agent(c.agent)
	if !ok {
		return nil, eris.Errorf("pipeline: no settings for agent %s", c.agent)
	}

	ctx, span := e.tracer.Start(ctx, "llm.chat",
		attribute.String("agent", c.agent),
		attribute.String("provider", settings.Provider),
		attribute.String("model", settings.Model),
	)
	temp := settings.Temperature
	resp, err := e.chat.Chat(ctx, llm.Request{
		Provider:    settings.Provider,
		Model:       settings.Model,
		Temperature: &temp,
		TopP:        settings.TopP,
		Seed:        settings.Seed,
		MaxTokens:   settings.MaxTokens,
		Latency:     c.latency,
		Messages: []llm.Message{
			{Role: "system", Content: c.system},
			{Role: "user", Content: c.user},
		},
	})
	span.End(err)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s call", c.agent)
	}
	st.addUsage(c.agent, usageOf(resp))
	return resp, nil
}

func usageOf(resp *llm.Response) model.TokenUsage {
	return model.TokenUsage{
		Calls:            1,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
}

// prompt returns the configured template for agent, or def.
func prompt(cfg model.WorkflowConfig, agent, def string) string {
	if p := strings.TrimSpace(cfg.Prompts[agent]); p != "" {
		return p
	}
	return def
}

// inputBudget sizes the document portion of a prompt for agent. A context
// window below the required minimum is an error.
func (e *Engine) inputBudget(ctx context.Context, st *runState, agent, system string) (budget.Budget, error) {
	settings, _ := st.cfg.Agent(agent)
	window := defaultContextWindow
	if e.discoverer != nil {
		info, err := e.discoverer.Discover(ctx, settings.Provider, settings.Model, 0)
		if err != nil {
			return budget.Budget{}, eris.Wrapf(err, "pipeline: context window for %s", agent)
		}
		window = info.Tokens
	}
	reserved := settings.MaxTokens
	if reserved <= 0 {
		reserved = defaultReservedOutput
	}
	return budget.Budget{
		ContextWindow:  window,
		Overhead:       budget.EstimateTokens(system) + promptOverhead,
		ReservedOutput: reserved,
	}, nil
}
