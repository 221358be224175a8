package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/resilience"
	"github.com/sells-group/rulesmith/pkg/anthropic"
	"github.com/sells-group/rulesmith/pkg/openai"
)

type openaiBackend struct {
	client openai.Client
	cfg    Config
	hooks  retryHooks
}

func (b *openaiBackend) chat(ctx context.Context, req Request) (*Response, error) {
	wire := toWireRequest(req)
	timeout := attemptTimeout(b.cfg, req)
	retry := b.hooks.retryConfig(b.cfg.Retry, "chat_completion")

	attempts := 0
	out, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*openai.ChatCompletionResponse, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		r, err := b.client.ChatCompletion(attemptCtx, wire)
		if err == nil {
			return r, nil
		}
		var se *openai.StatusError
		if errors.As(err, &se) {
			return nil, classifyStatus(ProviderOpenAI, req.Model, se.StatusCode, se.RetryAfter, se.Body, err)
		}
		return nil, classifyTransport(ctx, ProviderOpenAI, err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx, ProviderOpenAI)
		}
		return nil, eris.Wrapf(err, "llm: openai failed after %d attempt(s)", attempts)
	}

	resp := fromWireResponse(out)
	resp.Attempts = attempts
	return resp, nil
}

type anthropicBackend struct {
	client anthropic.Client
	cfg    Config
	hooks  retryHooks
}

func (b *anthropicBackend) chat(ctx context.Context, req Request) (*Response, error) {
	areq := toAnthropicRequest(req)
	timeout := attemptTimeout(b.cfg, req)
	retry := b.hooks.retryConfig(b.cfg.Retry, "create_message")

	attempts := 0
	out, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		r, err := b.client.CreateMessage(attemptCtx, areq)
		if err == nil {
			return r, nil
		}
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(ProviderAnthropic, req.Model, apiErr.StatusCode, apiErr.RetryAfter, apiErr.Err.Error(), err)
		}
		return nil, classifyTransport(ctx, ProviderAnthropic, err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx, ProviderAnthropic)
		}
		return nil, eris.Wrapf(err, "llm: anthropic failed after %d attempt(s)", attempts)
	}

	return &Response{
		Message: Message{
			Role:             "assistant",
			Content:          out.Text(),
			ReasoningContent: out.Thinking(),
		},
		FinishReason: out.StopReason,
		Usage: Usage{
			PromptTokens:     int(out.Usage.InputTokens),
			CompletionTokens: int(out.Usage.OutputTokens),
			TotalTokens:      int(out.Usage.InputTokens + out.Usage.OutputTokens),
		},
		Model:    out.Model,
		Attempts: attempts,
	}, nil
}

// toAnthropicRequest moves system turns into cached system blocks.
func toAnthropicRequest(req Request) anthropic.MessageRequest {
	var system []string
	var msgs []anthropic.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropic.Message{Role: m.Role, Content: m.Content})
	}
	return anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   int64(req.MaxTokens),
		System:      anthropic.CachedSystemBlocks(strings.Join(system, "\n\n"), "5m"),
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

// classifyStatus maps an HTTP failure to the retry taxonomy: 408, 429 and
// 5xx are transient, 401 and 403 make the provider unavailable, and any
// other 4xx is a request-shape problem.
func classifyStatus(p Provider, model string, status int, retryAfter, body string, err error) error {
	switch {
	case resilience.IsTransientHTTPStatus(status):
		return &resilience.TransientError{
			Err:        err,
			StatusCode: status,
			RetryAfter: resilience.ParseRetryAfter(retryAfter, time.Now()),
		}
	case status == 401 || status == 403:
		return &ProviderUnavailableError{Provider: p, Reason: "credentials rejected: " + truncateDetail(body)}
	default:
		kind := classifyBadRequest(body)
		if kind == "" {
			kind = ShapeInvalidRequest
		}
		return &RequestShapeError{
			Provider:   p,
			Model:      model,
			StatusCode: status,
			Kind:       kind,
			Detail:     truncateDetail(body),
		}
	}
}

// classifyTransport marks a per-attempt deadline as transient while the
// caller's context is still live.
func classifyTransport(parent context.Context, p Provider, err error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &resilience.TransientError{Err: eris.Wrapf(err, "llm: %s attempt timed out", p)}
	}
	return err
}

func truncateDetail(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
