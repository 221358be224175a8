package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/rulesmith/internal/cost"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/resilience"
	"github.com/sells-group/rulesmith/internal/similarity"
	"github.com/sells-group/rulesmith/internal/telemetry"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Workflow   WorkflowSettings `yaml:"workflow" mapstructure:"workflow"`
	Similarity SimilarityConfig `yaml:"similarity" mapstructure:"similarity"`
	Telemetry  telemetry.Config `yaml:"telemetry" mapstructure:"telemetry"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	// Pricing overrides or extends the built-in per-model token rates.
	Pricing []cost.ModelRate `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LocalLLMConfig configures the OpenAI-compatible local backend.
type LocalLLMConfig struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled"`
	BaseURL      string   `yaml:"base_url" mapstructure:"base_url"`
	FallbackURLs []string `yaml:"fallback_urls" mapstructure:"fallback_urls"`
	Key          string   `yaml:"key" mapstructure:"key"`
}

// RemoteLLMConfig holds hosted vendor API settings.
type RemoteLLMConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RetryConfig configures remote backend retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// TimeoutsConfig holds per-attempt deadlines by latency class.
type TimeoutsConfig struct {
	ShortSecs           int     `yaml:"short_secs" mapstructure:"short_secs"`
	StandardSecs        int     `yaml:"standard_secs" mapstructure:"standard_secs"`
	LongSecs            int     `yaml:"long_secs" mapstructure:"long_secs"`
	ReasoningMultiplier float64 `yaml:"reasoning_multiplier" mapstructure:"reasoning_multiplier"`
}

// LLMConfig configures the LLM request layer.
type LLMConfig struct {
	Local            LocalLLMConfig  `yaml:"local" mapstructure:"local"`
	OpenAI           RemoteLLMConfig `yaml:"openai" mapstructure:"openai"`
	Anthropic        RemoteLLMConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Retry            RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Timeouts         TimeoutsConfig  `yaml:"timeouts" mapstructure:"timeouts"`
	MinContextWindow int             `yaml:"min_context_window" mapstructure:"min_context_window"`
	ContextOverrides map[string]int  `yaml:"context_overrides" mapstructure:"context_overrides"`
	RateLimitRPS     float64         `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	DefaultMaxTokens int             `yaml:"default_max_tokens" mapstructure:"default_max_tokens"`
}

// AgentOverride replaces part of one agent's settings. Empty fields keep
// the workflow's value.
type AgentOverride struct {
	Provider    string   `yaml:"provider" mapstructure:"provider"`
	Model       string   `yaml:"model" mapstructure:"model"`
	Temperature *float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int      `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// WorkflowSettings configures where workflow policy comes from.
type WorkflowSettings struct {
	// ConfigFile is an optional YAML workflow file applied over the defaults.
	ConfigFile string `yaml:"config_file" mapstructure:"config_file"`
	// PromptsDir holds <AgentName>.md prompt templates.
	PromptsDir      string                   `yaml:"prompts_dir" mapstructure:"prompts_dir"`
	DefaultProvider string                   `yaml:"default_provider" mapstructure:"default_provider"`
	DefaultModel    string                   `yaml:"default_model" mapstructure:"default_model"`
	Agents          map[string]AgentOverride `yaml:"agents" mapstructure:"agents"`
	MinRankScore    float64                  `yaml:"min_rank_score" mapstructure:"min_rank_score"`
	SimilarityGate  float64                  `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	FilterMinConf   float64                  `yaml:"filter_confidence" mapstructure:"filter_confidence"`
	ApplicableOS    []string                 `yaml:"applicable_os" mapstructure:"applicable_os"`
	ExtractWorkers  int                      `yaml:"extract_concurrency" mapstructure:"extract_concurrency"`
}

// SimilarityConfig configures the reference-rule corpus and scorer.
type SimilarityConfig struct {
	CorpusDir string             `yaml:"corpus_dir" mapstructure:"corpus_dir"`
	TopN      int                `yaml:"top_n" mapstructure:"top_n"`
	Weights   similarity.Weights `yaml:"weights" mapstructure:"weights"`
}

// ServerConfig configures the health/metrics server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures the background alert checker run by serve.
type MonitoringConfig struct {
	Enabled               bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD      float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	QueueBacklogThreshold int     `yaml:"queue_backlog_threshold" mapstructure:"queue_backlog_threshold"`
}

// FetchConfig configures document retrieval for run --url.
type FetchConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes     int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
	RatePerHost  float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	ReaderKey    string  `yaml:"reader_key" mapstructure:"reader_key"`
	ReaderURL    string  `yaml:"reader_url" mapstructure:"reader_url"`
	ReaderOnFail bool    `yaml:"reader_on_fail" mapstructure:"reader_on_fail"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RULESMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rulesmith.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("llm.local.enabled", true)
	v.SetDefault("llm.local.base_url", "http://localhost:1234/v1")
	v.SetDefault("llm.local.fallback_urls", []string{
		"http://localhost:1234/v1",
		"http://127.0.0.1:1234/v1",
		"http://host.docker.internal:1234/v1",
	})
	v.SetDefault("llm.openai.enabled", false)
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.anthropic.enabled", false)
	v.SetDefault("llm.retry.max_attempts", 5)
	v.SetDefault("llm.retry.initial_backoff_ms", 1000)
	v.SetDefault("llm.retry.max_backoff_ms", 60000)
	v.SetDefault("llm.retry.multiplier", 2.0)
	v.SetDefault("llm.retry.jitter_fraction", 0.25)
	v.SetDefault("llm.timeouts.short_secs", 60)
	v.SetDefault("llm.timeouts.standard_secs", 180)
	v.SetDefault("llm.timeouts.long_secs", 300)
	v.SetDefault("llm.timeouts.reasoning_multiplier", 3.0)
	v.SetDefault("llm.min_context_window", 16384)
	v.SetDefault("llm.rate_limit_rps", 0)
	v.SetDefault("llm.default_max_tokens", 4096)

	v.SetDefault("workflow.prompts_dir", "prompts")
	v.SetDefault("workflow.default_provider", "local")
	v.SetDefault("workflow.default_model", "qwen2.5-14b-instruct")
	v.SetDefault("workflow.min_rank_score", 6.0)
	v.SetDefault("workflow.similarity_threshold", 0.5)
	v.SetDefault("workflow.filter_confidence", 0.8)
	v.SetDefault("workflow.applicable_os", []string{"windows"})
	v.SetDefault("workflow.extract_concurrency", 2)

	v.SetDefault("similarity.corpus_dir", "rules")
	v.SetDefault("similarity.top_n", 5)
	v.SetDefault("similarity.weights.title", 0.15)
	v.SetDefault("similarity.weights.description", 0.10)
	v.SetDefault("similarity.weights.tags", 0.15)
	v.SetDefault("similarity.weights.detection", 0.60)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "rulesmith")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.queue_backlog_threshold", 200)

	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_bytes", 2<<20)
	v.SetDefault("fetch.rate_per_host", 1.0)
	v.SetDefault("fetch.user_agent", "rulesmith/1.0")
	v.SetDefault("fetch.reader_url", "https://r.jina.ai")
	v.SetDefault("fetch.reader_on_fail", true)
}

// Validate checks the settings required by a command mode: "run" for
// workflow execution, "serve" for the health server, "store" for commands
// that only read persisted records.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "store":
	case "run":
		if !c.LLM.Local.Enabled &&
			!(c.LLM.OpenAI.Enabled && c.LLM.OpenAI.Key != "") &&
			!(c.LLM.Anthropic.Enabled && c.LLM.Anthropic.Key != "") {
			errs = append(errs, "at least one llm provider must be enabled and configured")
		}
		if c.LLM.MinContextWindow < 0 {
			errs = append(errs, "llm.min_context_window must be >= 0")
		}
		if c.Workflow.ExtractWorkers < 1 || c.Workflow.ExtractWorkers > 16 {
			errs = append(errs, "workflow.extract_concurrency must be between 1 and 16")
		}
		w := c.Similarity.Weights
		if w.Title < 0 || w.Description < 0 || w.Tags < 0 || w.Detection < 0 {
			errs = append(errs, "similarity.weights values must be >= 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		m := c.Monitoring
		if m.Enabled {
			if m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
				errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
			}
			if m.LookbackWindowHours <= 0 {
				errs = append(errs, "monitoring.lookback_window_hours must be > 0")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LLMClientConfig converts the settings into the request layer's config.
func (c *Config) LLMClientConfig() llm.Config {
	l := c.LLM
	return llm.Config{
		Local: llm.LocalConfig{
			Enabled:      l.Local.Enabled,
			BaseURL:      l.Local.BaseURL,
			FallbackURLs: l.Local.FallbackURLs,
			APIKey:       l.Local.Key,
		},
		OpenAI:    llm.RemoteConfig{Enabled: l.OpenAI.Enabled, APIKey: l.OpenAI.Key, BaseURL: l.OpenAI.BaseURL},
		Anthropic: llm.RemoteConfig{Enabled: l.Anthropic.Enabled, APIKey: l.Anthropic.Key, BaseURL: l.Anthropic.BaseURL},
		Retry: resilience.FromRetryConfig(l.Retry.MaxAttempts, l.Retry.InitialBackoffMs, l.Retry.MaxBackoffMs,
			l.Retry.Multiplier, l.Retry.JitterFraction),
		Circuit: resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs),
		Timeouts: llm.Timeouts{
			Short:               time.Duration(l.Timeouts.ShortSecs) * time.Second,
			Standard:            time.Duration(l.Timeouts.StandardSecs) * time.Second,
			Long:                time.Duration(l.Timeouts.LongSecs) * time.Second,
			ReasoningMultiplier: l.Timeouts.ReasoningMultiplier,
		},
		RateLimitRPS:     l.RateLimitRPS,
		MinContextWindow: l.MinContextWindow,
		ContextOverrides: l.ContextOverrides,
		DefaultMaxTokens: l.DefaultMaxTokens,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
