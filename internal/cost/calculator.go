// Package cost estimates LLM spend from the token usage recorded on
// executions.
package cost

import (
	"sort"
	"strings"

	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
)

// ModelRate holds per-model token pricing in USD per million tokens.
type ModelRate struct {
	Provider string  `yaml:"provider" mapstructure:"provider"`
	Model    string  `yaml:"model" mapstructure:"model"`
	Input    float64 `yaml:"input" mapstructure:"input"`
	Output   float64 `yaml:"output" mapstructure:"output"`
}

// Calculator prices token usage.
type Calculator struct {
	rates map[string]ModelRate
}

// NewCalculator creates a Calculator from the default rates with overrides
// applied on top.
func NewCalculator(overrides ...ModelRate) *Calculator {
	c := &Calculator{rates: make(map[string]ModelRate)}
	for _, r := range DefaultRates() {
		c.rates[rateKey(r.Provider, r.Model)] = r
	}
	for _, r := range overrides {
		c.rates[rateKey(r.Provider, r.Model)] = r
	}
	return c
}

func rateKey(provider, modelName string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(modelName)
}

// Rate looks up pricing for a provider and model. Local models are free.
func (c *Calculator) Rate(provider, modelName string) (ModelRate, bool) {
	if provider == string(llm.ProviderLocal) {
		return ModelRate{Provider: provider, Model: modelName}, true
	}
	r, ok := c.rates[rateKey(provider, modelName)]
	return r, ok
}

// Usage computes the cost of one agent's token usage.
func (c *Calculator) Usage(provider, modelName string, u model.TokenUsage) float64 {
	rate, ok := c.Rate(provider, modelName)
	if !ok {
		return 0
	}
	return (float64(u.PromptTokens)/1e6)*rate.Input + (float64(u.CompletionTokens)/1e6)*rate.Output
}

// Breakdown is the estimated spend of one execution.
type Breakdown struct {
	Total   float64            `json:"total_usd"`
	ByAgent map[string]float64 `json:"by_agent,omitempty"`
	// Unpriced lists agents whose model has no known rate.
	Unpriced []string `json:"unpriced,omitempty"`
}

// Execution prices every agent's recorded usage with the provider and model
// captured in the execution's config snapshot.
func (c *Calculator) Execution(exec model.Execution) Breakdown {
	b := Breakdown{ByAgent: make(map[string]float64, len(exec.Results.Usage))}
	for agent, u := range exec.Results.Usage {
		s, ok := exec.ConfigSnapshot.Agent(agent)
		if !ok {
			b.Unpriced = append(b.Unpriced, agent)
			continue
		}
		if _, ok := c.Rate(s.Provider, s.Model); !ok {
			b.Unpriced = append(b.Unpriced, agent)
			continue
		}
		spend := c.Usage(s.Provider, s.Model, u)
		b.ByAgent[agent] = spend
		b.Total += spend
	}
	sort.Strings(b.Unpriced)
	return b
}

// DefaultRates returns the default pricing for hosted models.
func DefaultRates() []ModelRate {
	return []ModelRate{
		{Provider: "openai", Model: "gpt-4o", Input: 2.50, Output: 10.00},
		{Provider: "openai", Model: "gpt-4o-mini", Input: 0.15, Output: 0.60},
		{Provider: "openai", Model: "gpt-4.1", Input: 2.00, Output: 8.00},
		{Provider: "openai", Model: "gpt-4.1-mini", Input: 0.40, Output: 1.60},
		{Provider: "anthropic", Model: "claude-haiku-4-5-20251001", Input: 0.80, Output: 4.00},
		{Provider: "anthropic", Model: "claude-sonnet-4-5-20250929", Input: 3.00, Output: 15.00},
		{Provider: "anthropic", Model: "claude-opus-4-6", Input: 15.00, Output: 75.00},
	}
}
