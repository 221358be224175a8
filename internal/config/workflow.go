package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rulesmith/internal/model"
)

// Defaults for workflow knobs that have no environment setting.
const (
	defaultOSMinConfidence  = 0.5
	defaultQAMaxAttempts    = 5
	defaultSigmaMaxAttempts = 3
)

// DefaultWorkflow builds the version-0 workflow policy from settings. Every
// LLM agent routes to the default provider and model unless overridden.
func DefaultWorkflow(s WorkflowSettings) model.WorkflowConfig {
	provider := s.DefaultProvider
	if provider == "" {
		provider = "local"
	}

	cfg := model.WorkflowConfig{
		Description:              "built-in defaults",
		OSDetectionEnabled:       true,
		ApplicableOS:             append([]string(nil), s.ApplicableOS...),
		OSDetectionMinConfidence: defaultOSMinConfidence,
		OSDetectionLLMFallback:   true,
		FilterEnabled:            true,
		FilterConfidence:         s.FilterMinConf,
		RankEnabled:              true,
		MinRankScore:             s.MinRankScore,
		SubAgentsEnabled:         make(map[model.SubAgent]bool),
		ExtractConcurrency:       s.ExtractWorkers,
		QAEnabled:                make(map[string]bool),
		QAMaxAttempts:            defaultQAMaxAttempts,
		SigmaMaxAttempts:         defaultSigmaMaxAttempts,
		SimilarityThreshold:      s.SimilarityGate,
		Agents:                   make(map[string]model.AgentSettings),
		Prompts:                  make(map[string]string),
	}
	if cfg.ExtractConcurrency <= 0 {
		cfg.ExtractConcurrency = 2
	}

	for _, sa := range model.SubAgents() {
		cfg.SubAgentsEnabled[sa.ID] = true
		cfg.QAEnabled[sa.Agent] = true
	}
	for _, name := range model.LLMAgents() {
		temp := 0.0
		if name == model.AgentSigma {
			temp = 0.2
		}
		cfg.Agents[name] = model.AgentSettings{Provider: provider, Model: s.DefaultModel, Temperature: temp}
	}
	ApplyAgentOverrides(&cfg, s.Agents)
	return cfg
}

// ApplyAgentOverrides merges per-agent overrides into cfg.
func ApplyAgentOverrides(cfg *model.WorkflowConfig, overrides map[string]AgentOverride) {
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]model.AgentSettings)
	}
	for name, o := range overrides {
		// viper lowercases map keys; match agents case-insensitively.
		key := canonicalAgent(name)
		a := cfg.Agents[key]
		if o.Provider != "" {
			a.Provider = o.Provider
		}
		if o.Model != "" {
			a.Model = o.Model
		}
		if o.Temperature != nil {
			a.Temperature = *o.Temperature
		}
		if o.MaxTokens > 0 {
			a.MaxTokens = o.MaxTokens
		}
		cfg.Agents[key] = a
	}
}

func canonicalAgent(name string) string {
	for _, known := range model.LLMAgents() {
		if strings.EqualFold(known, name) {
			return known
		}
	}
	return name
}

// LoadWorkflowFile reads a YAML workflow file over base. Keys present in the
// file replace base values; an agent entry replaces that agent's settings
// as a whole.
func LoadWorkflowFile(fs afero.Fs, path string, base model.WorkflowConfig) (model.WorkflowConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return model.WorkflowConfig{}, eris.Wrapf(err, "config: read workflow file %s", path)
	}

	cfg := base.Clone()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.WorkflowConfig{}, eris.Wrapf(err, "config: parse workflow file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return model.WorkflowConfig{}, eris.Wrapf(err, "config: workflow file %s", path)
	}

	zap.L().Debug("config: loaded workflow file",
		zap.String("path", path),
		zap.Int("agents", len(cfg.Agents)),
	)
	return cfg, nil
}

// LoadPrompts reads prompt templates from dir. Each file is keyed by its
// base name without extension, e.g. RankAgent.md. A missing directory
// yields no prompts and the built-in instructions apply.
func LoadPrompts(fs afero.Fs, dir string) (map[string]string, error) {
	prompts := make(map[string]string)
	if dir == "" {
		return prompts, nil
	}
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return prompts, nil
		}
		return nil, eris.Wrapf(err, "config: read prompts dir %s", dir)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".md" && ext != ".txt" {
			continue
		}
		name := canonicalAgent(strings.TrimSuffix(e.Name(), ext))
		data, err := afero.ReadFile(fs, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, eris.Wrapf(err, "config: read prompt %s", e.Name())
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if !knownAgent(name) {
			zap.L().Warn("config: prompt for unknown agent", zap.String("file", e.Name()))
		}
		prompts[name] = text
	}
	return prompts, nil
}

func knownAgent(name string) bool {
	for _, a := range model.LLMAgents() {
		if a == name {
			return true
		}
	}
	return false
}

// BuildWorkflow assembles the startup workflow: defaults, then the optional
// workflow file, then prompt templates from the prompts directory.
func BuildWorkflow(fs afero.Fs, s WorkflowSettings) (model.WorkflowConfig, error) {
	cfg := DefaultWorkflow(s)
	if s.ConfigFile != "" {
		var err error
		cfg, err = LoadWorkflowFile(fs, s.ConfigFile, cfg)
		if err != nil {
			return model.WorkflowConfig{}, err
		}
	}

	prompts, err := LoadPrompts(fs, s.PromptsDir)
	if err != nil {
		return model.WorkflowConfig{}, err
	}
	if cfg.Prompts == nil {
		cfg.Prompts = make(map[string]string)
	}
	for name, text := range prompts {
		// Prompts set in the workflow file win over files on disk.
		if _, ok := cfg.Prompts[name]; !ok {
			cfg.Prompts[name] = text
		}
	}
	return cfg, nil
}
