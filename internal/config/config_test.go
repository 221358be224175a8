package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "rulesmith.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.LLM.Local.Enabled)
	assert.Equal(t, "http://localhost:1234/v1", cfg.LLM.Local.BaseURL)
	assert.Len(t, cfg.LLM.Local.FallbackURLs, 3)
	assert.False(t, cfg.LLM.OpenAI.Enabled)
	assert.Equal(t, 5, cfg.LLM.Retry.MaxAttempts)
	assert.Equal(t, 60, cfg.LLM.Timeouts.ShortSecs)
	assert.Equal(t, 16384, cfg.LLM.MinContextWindow)
	assert.InDelta(t, 6.0, cfg.Workflow.MinRankScore, 0.001)
	assert.InDelta(t, 0.5, cfg.Workflow.SimilarityGate, 0.001)
	assert.InDelta(t, 0.8, cfg.Workflow.FilterMinConf, 0.001)
	assert.Equal(t, []string{"windows"}, cfg.Workflow.ApplicableOS)
	assert.Equal(t, "prompts", cfg.Workflow.PromptsDir)
	assert.InDelta(t, 0.60, cfg.Similarity.Weights.Detection, 0.001)
	assert.InDelta(t, 0.15, cfg.Similarity.Weights.Title, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "rulesmith", cfg.Telemetry.ServiceName)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 30, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, int64(2<<20), cfg.Fetch.MaxBytes)
	assert.Equal(t, "https://r.jina.ai", cfg.Fetch.ReaderURL)
	assert.Empty(t, cfg.Pricing)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/rules
log:
  level: debug
  format: console
llm:
  openai:
    enabled: true
    key: sk-test
  context_overrides:
    mistral-small-24b: 32768
workflow:
  min_rank_score: 7
  agents:
    SigmaAgent:
      provider: openai
      model: gpt-4o
pricing:
  - provider: openai
    model: gpt-4.1-nano
    input: 0.10
    output: 0.40
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.LLM.OpenAI.Enabled)
	assert.Equal(t, 32768, cfg.LLM.ContextOverrides["mistral-small-24b"])
	require.Len(t, cfg.Pricing, 1)
	assert.Equal(t, "gpt-4.1-nano", cfg.Pricing[0].Model)
	assert.InDelta(t, 0.40, cfg.Pricing[0].Output, 0.001)
	assert.InDelta(t, 7.0, cfg.Workflow.MinRankScore, 0.001)
	require.Contains(t, cfg.Workflow.Agents, "sigmaagent")
	assert.Equal(t, "gpt-4o", cfg.Workflow.Agents["sigmaagent"].Model)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("RULESMITH_STORE_DRIVER", "postgres")
	t.Setenv("RULESMITH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("RULESMITH_SERVER_PORT", "3000")
	t.Setenv("RULESMITH_LLM_LOCAL_BASE_URL", "http://gpu-box:1234/v1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "http://gpu-box:1234/v1", cfg.LLM.Local.BaseURL)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLLMClientConfig(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	cfg.LLM.Anthropic = RemoteLLMConfig{Enabled: true, Key: "sk-ant"}

	lc := cfg.LLMClientConfig()
	assert.True(t, lc.Local.Enabled)
	assert.Equal(t, "http://localhost:1234/v1", lc.Local.BaseURL)
	assert.Equal(t, "sk-ant", lc.Anthropic.APIKey)
	assert.Equal(t, 5, lc.Retry.MaxAttempts)
	assert.Equal(t, time.Second, lc.Retry.InitialBackoff)
	assert.Equal(t, time.Minute, lc.Retry.MaxBackoff)
	assert.Equal(t, 60*time.Second, lc.Timeouts.Short)
	assert.Equal(t, 300*time.Second, lc.Timeouts.Long)
	assert.Equal(t, 5, lc.Circuit.FailureThreshold)
	assert.Equal(t, 30*time.Second, lc.Circuit.ResetTimeout)
	assert.Equal(t, 16384, lc.MinContextWindow)
	assert.Equal(t, 4096, lc.DefaultMaxTokens)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "rulesmith.db"
	cfg.LLM.Local.Enabled = true
	cfg.Workflow.ExtractWorkers = 2
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("run"))

	cfg.LLM.Local.Enabled = false
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one llm provider")

	// An enabled remote without a key does not count.
	cfg.LLM.OpenAI.Enabled = true
	assert.Error(t, cfg.Validate("run"))
	cfg.LLM.OpenAI.Key = "sk-test"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_Bounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Workflow.ExtractWorkers = 0
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract_concurrency must be between 1 and 16")

	cfg.Workflow.ExtractWorkers = 2
	cfg.Similarity.Weights.Tags = -0.1
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity.weights values must be >= 0")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_Monitoring(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.failure_rate_threshold must be between 0 and 1")
	assert.Contains(t, err.Error(), "monitoring.lookback_window_hours must be > 0")

	cfg.Monitoring.FailureRateThreshold = 0.2
	cfg.Monitoring.LookbackWindowHours = 24
	assert.NoError(t, cfg.Validate("serve"))

	// Disabled monitoring is not checked.
	cfg.Monitoring = MonitoringConfig{FailureRateThreshold: 9}
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
