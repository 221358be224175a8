package model

import (
	"maps"
	"time"

	"github.com/rotisserie/eris"
)

// AgentSettings selects the backend and sampling parameters for one
// logical agent.
type AgentSettings struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	Seed        *int     `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// WorkflowConfig is a versioned policy object. Once an Execution references
// it through its config snapshot it is never mutated; edits create a new
// version.
type WorkflowConfig struct {
	Version     int    `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	OSDetectionEnabled bool     `json:"os_detection_enabled" yaml:"os_detection_enabled"`
	ApplicableOS       []string `json:"applicable_os" yaml:"applicable_os"`
	// OSDetectionMinConfidence below which the LLM fallback is consulted.
	OSDetectionMinConfidence float64 `json:"os_detection_min_confidence" yaml:"os_detection_min_confidence"`
	OSDetectionLLMFallback   bool    `json:"os_detection_llm_fallback" yaml:"os_detection_llm_fallback"`

	FilterEnabled    bool    `json:"filter_enabled" yaml:"filter_enabled"`
	FilterConfidence float64 `json:"filter_confidence" yaml:"filter_confidence"`

	RankEnabled  bool    `json:"rank_enabled" yaml:"rank_enabled"`
	MinRankScore float64 `json:"min_rank_score" yaml:"min_rank_score"`

	SubAgentsEnabled   map[SubAgent]bool `json:"sub_agents_enabled" yaml:"sub_agents_enabled"`
	ExtractConcurrency int               `json:"extract_concurrency" yaml:"extract_concurrency"`
	QAEnabled          map[string]bool   `json:"qa_enabled" yaml:"qa_enabled"`
	QAMaxAttempts      int               `json:"qa_max_attempts" yaml:"qa_max_attempts"`

	SynthesisFallbackToDocument bool `json:"synthesis_fallback_to_document" yaml:"synthesis_fallback_to_document"`
	SigmaMaxAttempts            int  `json:"sigma_max_attempts" yaml:"sigma_max_attempts"`

	// SimilarityThreshold: rules whose best match is at or above this are not queued.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`

	Agents  map[string]AgentSettings `json:"agents" yaml:"agents"`
	Prompts map[string]string        `json:"prompts,omitempty" yaml:"prompts,omitempty"`

	// Evaluation mode: restrict extraction to one sub-agent and/or stop
	// after the extract stage. Set per run, captured in the snapshot.
	EvalSubAgent     SubAgent `json:"eval_sub_agent,omitempty" yaml:"eval_sub_agent,omitempty"`
	StopAfterExtract bool     `json:"stop_after_extract,omitempty" yaml:"stop_after_extract,omitempty"`

	IsActive  bool      `json:"is_active" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Clone returns a deep copy safe to hand to a new Execution.
func (c WorkflowConfig) Clone() WorkflowConfig {
	out := c
	out.ApplicableOS = append([]string(nil), c.ApplicableOS...)
	out.SubAgentsEnabled = maps.Clone(c.SubAgentsEnabled)
	out.QAEnabled = maps.Clone(c.QAEnabled)
	out.Prompts = maps.Clone(c.Prompts)
	out.Agents = make(map[string]AgentSettings, len(c.Agents))
	for k, v := range c.Agents {
		if v.TopP != nil {
			p := *v.TopP
			v.TopP = &p
		}
		if v.Seed != nil {
			s := *v.Seed
			v.Seed = &s
		}
		out.Agents[k] = v
	}
	return out
}

// Agent returns the settings for a logical agent.
func (c WorkflowConfig) Agent(name string) (AgentSettings, bool) {
	s, ok := c.Agents[name]
	return s, ok
}

// SubAgentEnabled reports whether the extractor is switched on. Sub-agents
// missing from the map are enabled.
func (c WorkflowConfig) SubAgentEnabled(id SubAgent) bool {
	enabled, ok := c.SubAgentsEnabled[id]
	return !ok || enabled
}

// QAFor reports whether QA judging wraps the given extractor agent.
func (c WorkflowConfig) QAFor(agent string) bool {
	return c.QAEnabled[agent]
}

// Validate checks thresholds and agent routing.
func (c WorkflowConfig) Validate() error {
	if c.MinRankScore < 0 || c.MinRankScore > 10 {
		return eris.Errorf("model: min_rank_score %.2f outside [0,10]", c.MinRankScore)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return eris.Errorf("model: similarity_threshold %.2f outside [0,1]", c.SimilarityThreshold)
	}
	if c.FilterConfidence < 0 || c.FilterConfidence > 1 {
		return eris.Errorf("model: filter_confidence %.2f outside [0,1]", c.FilterConfidence)
	}
	if c.EvalSubAgent != "" {
		if _, ok := c.EvalSubAgent.Spec(); !ok {
			return eris.Errorf("model: unknown eval sub-agent %q", c.EvalSubAgent)
		}
	}
	for _, name := range LLMAgents() {
		s, ok := c.Agents[name]
		if !ok {
			return eris.Errorf("model: no settings for agent %s", name)
		}
		if s.Provider == "" || s.Model == "" {
			return eris.Errorf("model: agent %s needs provider and model", name)
		}
	}
	return nil
}
