// Package llm routes chat requests to local, OpenAI, or Anthropic backends
// with provider validation, retry and fallback, per-call timeouts, and
// context-window discovery.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/rulesmith/internal/metrics"
	"github.com/sells-group/rulesmith/internal/resilience"
	"github.com/sells-group/rulesmith/internal/telemetry"
	"github.com/sells-group/rulesmith/pkg/anthropic"
	"github.com/sells-group/rulesmith/pkg/openai"
)

// Message is one chat turn.
type Message struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Request is a provider-neutral chat request.
type Request struct {
	// Provider is a provider name or alias; see CanonicalProvider.
	Provider    string
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	TopP        *float64
	Seed        *int
	// Latency selects the per-attempt deadline. Timeout overrides it.
	Latency LatencyClass
	Timeout time.Duration
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the first choice of a completed chat request.
type Response struct {
	Message      Message
	FinishReason string
	Usage        Usage
	Provider     Provider
	Model        string
	// BaseURL is the endpoint that answered, for local requests.
	BaseURL  string
	Attempts int
}

// Truncated reports whether the model stopped on its output limit.
func (r *Response) Truncated() bool {
	return r.FinishReason == "length" || r.FinishReason == "max_tokens"
}

// Text returns the answer content, or the reasoning content when a
// reasoning model put everything there.
func (r *Response) Text() string {
	if r.Message.Content != "" {
		return r.Message.Content
	}
	return r.Message.ReasoningContent
}

// Chatter is the narrow interface stages depend on.
type Chatter interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// LocalConfig configures the OpenAI-compatible local backend.
type LocalConfig struct {
	Enabled bool
	BaseURL string
	// FallbackURLs are tried in order after BaseURL.
	FallbackURLs []string
	APIKey       string
}

// RemoteConfig configures a hosted vendor backend.
type RemoteConfig struct {
	Enabled bool
	APIKey  string
	BaseURL string
}

// Config configures the Client.
type Config struct {
	Local     LocalConfig
	OpenAI    RemoteConfig
	Anthropic RemoteConfig

	Retry    resilience.RetryConfig
	Circuit  resilience.CircuitBreakerConfig
	Timeouts Timeouts

	// RateLimitRPS caps requests per second per provider. Zero disables.
	RateLimitRPS float64

	// MinContextWindow is the default required window for discovery.
	MinContextWindow int
	// ContextOverrides maps model name to a known context window.
	ContextOverrides map[string]int

	// DefaultMaxTokens applies when a request sets none.
	DefaultMaxTokens int
}

type backend interface {
	chat(ctx context.Context, req Request) (*Response, error)
}

// Client dispatches chat requests to the configured backends.
type Client struct {
	cfg      Config
	backends map[Provider]backend
	local    *localBackend
	breakers *resilience.ServiceBreakers
	limiters map[Provider]*AdaptiveLimiter
	tracer   *telemetry.Tracer
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	tracer      *telemetry.Tracer
	localClient func(baseURL string) openai.Client
	openai      openai.Client
	anthropic   anthropic.Client
}

// WithTracer emits a span per chat call.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *clientOptions) { o.tracer = t }
}

// WithLocalClientFactory overrides how local endpoint clients are built.
func WithLocalClientFactory(fn func(baseURL string) openai.Client) Option {
	return func(o *clientOptions) { o.localClient = fn }
}

// WithOpenAIClient injects the OpenAI wire client.
func WithOpenAIClient(c openai.Client) Option {
	return func(o *clientOptions) { o.openai = c }
}

// WithAnthropicClient injects the Anthropic client.
func WithAnthropicClient(c anthropic.Client) Option {
	return func(o *clientOptions) { o.anthropic = c }
}

// New builds a Client. Providers that are disabled or lack credentials are
// left unregistered and fail fast with ProviderUnavailableError.
func New(cfg Config, opts ...Option) *Client {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}

	c := &Client{
		cfg:      cfg,
		backends: make(map[Provider]backend),
		breakers: resilience.NewServiceBreakers(cfg.Circuit),
		limiters: make(map[Provider]*AdaptiveLimiter),
		tracer:   o.tracer,
	}

	if cfg.RateLimitRPS > 0 {
		for _, p := range Providers() {
			c.limiters[p] = NewAdaptiveLimiter(string(p), rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)+1)
		}
	}

	if cfg.Local.Enabled {
		factory := o.localClient
		if factory == nil {
			apiKey := cfg.Local.APIKey
			factory = func(baseURL string) openai.Client {
				return openai.NewClient(apiKey, openai.WithBaseURL(baseURL))
			}
		}
		urls := localCandidates(cfg.Local.BaseURL, cfg.Local.FallbackURLs)
		if len(urls) > 0 {
			c.local = newLocalBackend(urls, factory, cfg)
			c.backends[ProviderLocal] = c.local
		}
	}

	if cfg.OpenAI.Enabled && cfg.OpenAI.APIKey != "" {
		oc := o.openai
		if oc == nil {
			var wopts []openai.Option
			if cfg.OpenAI.BaseURL != "" {
				wopts = append(wopts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
			}
			oc = openai.NewClient(cfg.OpenAI.APIKey, wopts...)
		}
		c.backends[ProviderOpenAI] = &openaiBackend{
			client: oc,
			cfg:    cfg,
			hooks:  c.hooks(ProviderOpenAI),
		}
	}

	if cfg.Anthropic.Enabled && cfg.Anthropic.APIKey != "" {
		ac := o.anthropic
		if ac == nil {
			var aopts []anthropic.Option
			if cfg.Anthropic.BaseURL != "" {
				aopts = append(aopts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
			}
			ac = anthropic.NewClient(cfg.Anthropic.APIKey, aopts...)
		}
		c.backends[ProviderAnthropic] = &anthropicBackend{
			client: ac,
			cfg:    cfg,
			hooks:  c.hooks(ProviderAnthropic),
		}
	}

	return c
}

// Enabled reports whether p can accept requests.
func (c *Client) Enabled(p Provider) bool {
	_, ok := c.backends[p]
	return ok
}

// Breakers exposes circuit states for health reporting.
func (c *Client) Breakers() map[string]resilience.CircuitState {
	return c.breakers.States()
}

// Chat validates the provider and dispatches req to its backend.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	p, err := CanonicalProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	b, err := c.backend(p)
	if err != nil {
		metrics.IncLLMRequest(string(p), metrics.OutcomeUnavailable)
		return nil, err
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.cfg.DefaultMaxTokens
	}

	if lim := c.limiters[p]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				metrics.IncLLMRequest(string(p), metrics.OutcomeCanceled)
				return nil, canceled(ctx, p)
			}
			return nil, eris.Wrapf(err, "llm: %s rate limiter", p)
		}
	}

	ctx, span := c.tracer.Start(ctx, "llm.chat",
		attribute.String("provider", string(p)),
		attribute.String("model", req.Model),
		attribute.String("latency_class", string(req.Latency)),
	)
	start := time.Now()

	resp, err := resilience.ExecuteVal(ctx, c.breakers.Get(string(p)), func(ctx context.Context) (*Response, error) {
		return b.chat(ctx, req)
	})

	if err != nil {
		if ctx.Err() != nil {
			err = canceled(ctx, p)
			metrics.IncLLMRequest(string(p), metrics.OutcomeCanceled)
		} else {
			metrics.IncLLMRequest(string(p), metrics.OutcomeError)
		}
		span.End(err)
		zap.L().Warn("llm: chat failed",
			zap.String("provider", string(p)),
			zap.String("model", req.Model),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
		)
		return nil, err
	}

	if lim := c.limiters[p]; lim != nil {
		lim.OnSuccess()
	}
	resp.Provider = p
	if resp.Model == "" {
		resp.Model = req.Model
	}
	metrics.IncLLMRequest(string(p), metrics.OutcomeSuccess)
	span.SetAttributes(
		attribute.Int("attempts", resp.Attempts),
		attribute.String("finish_reason", resp.FinishReason),
		attribute.Int("total_tokens", resp.Usage.TotalTokens),
	)
	span.End(nil)

	zap.L().Debug("llm: chat complete",
		zap.String("provider", string(p)),
		zap.String("model", resp.Model),
		zap.Int("attempts", resp.Attempts),
		zap.String("finish_reason", resp.FinishReason),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp, nil
}

func (c *Client) backend(p Provider) (backend, error) {
	if b, ok := c.backends[p]; ok {
		return b, nil
	}
	var reason string
	switch p {
	case ProviderLocal:
		reason = "disabled or no base URL configured (set llm.local.enabled and llm.local.base_url)"
	case ProviderOpenAI:
		if !c.cfg.OpenAI.Enabled {
			reason = "disabled (set llm.openai.enabled)"
		} else {
			reason = "missing API key (set RULESMITH_LLM_OPENAI_API_KEY)"
		}
	case ProviderAnthropic:
		if !c.cfg.Anthropic.Enabled {
			reason = "disabled (set llm.anthropic.enabled)"
		} else {
			reason = "missing API key (set RULESMITH_LLM_ANTHROPIC_API_KEY)"
		}
	}
	return nil, &ProviderUnavailableError{Provider: p, Reason: reason}
}

// retryHooks connects remote retries to metrics and rate limiting.
type retryHooks struct {
	provider    Provider
	onRateLimit func()
}

func (c *Client) hooks(p Provider) retryHooks {
	h := retryHooks{provider: p}
	if lim := c.limiters[p]; lim != nil {
		h.onRateLimit = lim.OnRateLimit
	}
	return h
}

func (h retryHooks) retryConfig(base resilience.RetryConfig, op string) resilience.RetryConfig {
	cfg := base
	logRetry := resilience.RetryLogger(string(h.provider), op)
	cfg.OnRetry = func(attempt int, err error) {
		logRetry(attempt, err)
		metrics.IncLLMRetry(string(h.provider))
		var te *resilience.TransientError
		if h.onRateLimit != nil && errors.As(err, &te) && te.StatusCode == 429 {
			h.onRateLimit()
		}
	}
	cfg.ShouldRetry = shouldRetryRemote
	return cfg
}

func shouldRetryRemote(err error) bool {
	var te *resilience.TransientError
	if errors.As(err, &te) {
		return true
	}
	var shape *RequestShapeError
	var unavailable *ProviderUnavailableError
	if errors.As(err, &shape) || errors.As(err, &unavailable) {
		return false
	}
	return resilience.IsTransient(err)
}

func attemptTimeout(cfg Config, req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return cfg.Timeouts.For(req.Latency, req.Model)
}
