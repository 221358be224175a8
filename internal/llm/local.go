package llm

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/pkg/openai"
)

// DefaultLocalURLs are tried after the configured local URL.
var DefaultLocalURLs = []string{
	"http://localhost:1234/v1",
	"http://127.0.0.1:1234/v1",
	"http://host.docker.internal:1234/v1",
}

type localEndpoint struct {
	url    string
	client openai.Client
}

type localBackend struct {
	endpoints []localEndpoint
	cfg       Config
}

func newLocalBackend(urls []string, factory func(string) openai.Client, cfg Config) *localBackend {
	lb := &localBackend{cfg: cfg}
	for _, u := range urls {
		lb.endpoints = append(lb.endpoints, localEndpoint{url: u, client: factory(u)})
	}
	return lb
}

// localCandidates returns the ordered, de-duplicated endpoint list.
func localCandidates(configured string, fallbacks []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range append([]string{configured}, fallbacks...) {
		u := normalizeBaseURL(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// normalizeBaseURL adds a scheme and the /v1 suffix when missing.
func normalizeBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	if parsed, err := url.Parse(u); err != nil || parsed.Host == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

func (b *localBackend) chat(ctx context.Context, req Request) (*Response, error) {
	wire := toWireRequest(req)
	timeout := attemptTimeout(b.cfg, req)

	var tried []string
	var last error
	for i, ep := range b.endpoints {
		if ctx.Err() != nil {
			return nil, canceled(ctx, ProviderLocal)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := ep.client.ChatCompletion(attemptCtx, wire)
		cancel()
		if err == nil {
			resp := fromWireResponse(out)
			resp.BaseURL = ep.url
			resp.Attempts = i + 1
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, canceled(ctx, ProviderLocal)
		}

		var se *openai.StatusError
		if errors.As(err, &se) && se.StatusCode == 400 {
			if kind := classifyBadRequest(se.Body); kind != "" {
				return nil, &RequestShapeError{
					Provider:   ProviderLocal,
					URL:        ep.url,
					Model:      req.Model,
					StatusCode: se.StatusCode,
					Kind:       kind,
					Detail:     se.Body,
				}
			}
		}

		tried = append(tried, ep.url)
		last = err
		zap.L().Warn("llm: local endpoint failed, trying next",
			zap.String("url", ep.url),
			zap.String("model", req.Model),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	return nil, &LocalExhaustedError{Tried: tried, Last: last}
}

// listModels returns the model list from the first endpoint that answers.
func (b *localBackend) listModels(ctx context.Context) ([]openai.Model, string, error) {
	var last error
	for _, ep := range b.endpoints {
		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeouts.For(LatencyShort, ""))
		models, err := ep.client.ListModels(attemptCtx)
		cancel()
		if err == nil {
			return models, ep.url, nil
		}
		if ctx.Err() != nil {
			return nil, "", canceled(ctx, ProviderLocal)
		}
		last = err
	}
	return nil, "", eris.Wrap(last, "llm: list local models")
}

func toWireRequest(req Request) openai.ChatCompletionRequest {
	msgs := make([]openai.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Seed:        req.Seed,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxTokens = &maxTokens
	}
	return out
}

func fromWireResponse(r *openai.ChatCompletionResponse) *Response {
	choice := r.Choices[0]
	return &Response{
		Message: Message{
			Role:             choice.Message.Role,
			Content:          choice.Message.Content,
			ReasoningContent: choice.Message.ReasoningContent,
		},
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
		Model: r.Model,
	}
}
