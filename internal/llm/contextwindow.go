package llm

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/pkg/openai"
)

// Discovery methods, most precise first.
const (
	MethodOverride      = "override"
	MethodDocumented    = "documented"
	MethodModelsAPI     = "models_endpoint"
	MethodProbe         = "probe"
	MethodNameHeuristic = "name_heuristic"
	MethodNone          = "none"
)

// Plausible range for a reported context length.
const (
	minPlausibleContext = 2048
	maxPlausibleContext = 1_048_576
)

// ContextInfo is a discovered context window.
type ContextInfo struct {
	Tokens int    `json:"tokens"`
	Method string `json:"method"`
}

// ContextDiscoverer finds the context window of a provider/model pair and
// caches the answer.
type ContextDiscoverer struct {
	client    *Client
	overrides map[string]int

	mu    sync.Mutex
	cache map[string]ContextInfo
}

// NewContextDiscoverer builds a discoverer over c using c's overrides.
func NewContextDiscoverer(c *Client) *ContextDiscoverer {
	overrides := make(map[string]int, len(c.cfg.ContextOverrides))
	for k, v := range c.cfg.ContextOverrides {
		overrides[strings.ToLower(k)] = v
	}
	return &ContextDiscoverer{
		client:    c,
		overrides: overrides,
		cache:     make(map[string]ContextInfo),
	}
}

// Discover returns the context window for model on provider, failing with
// ContextWindowError when it is below required. A required of zero uses
// the client's MinContextWindow.
func (d *ContextDiscoverer) Discover(ctx context.Context, provider, model string, required int) (ContextInfo, error) {
	p, err := CanonicalProvider(provider)
	if err != nil {
		return ContextInfo{}, err
	}
	if required <= 0 {
		required = d.client.cfg.MinContextWindow
	}

	key := string(p) + "/" + strings.ToLower(model)
	d.mu.Lock()
	info, ok := d.cache[key]
	d.mu.Unlock()

	// A successful probe only proves the size it probed with.
	if !ok || (info.Method == MethodProbe && info.Tokens < required) {
		info, err = d.discover(ctx, p, model, required)
		if err != nil {
			return ContextInfo{}, err
		}
		d.mu.Lock()
		d.cache[key] = info
		d.mu.Unlock()
		zap.L().Info("llm: context window discovered",
			zap.String("provider", string(p)),
			zap.String("model", model),
			zap.Int("tokens", info.Tokens),
			zap.String("method", info.Method),
		)
	}

	if info.Tokens < required {
		return info, &ContextWindowError{
			Provider: p,
			Model:    model,
			Detected: info.Tokens,
			Method:   info.Method,
			Required: required,
		}
	}
	return info, nil
}

func (d *ContextDiscoverer) discover(ctx context.Context, p Provider, model string, required int) (ContextInfo, error) {
	if n, ok := d.overrides[strings.ToLower(model)]; ok && n > 0 {
		return ContextInfo{Tokens: n, Method: MethodOverride}, nil
	}

	if p.Remote() {
		if n := documentedWindow(p, model); n > 0 {
			return ContextInfo{Tokens: n, Method: MethodDocumented}, nil
		}
	} else if lb := d.client.local; lb != nil {
		if n := d.fromModelsEndpoint(ctx, lb, model); n > 0 {
			return ContextInfo{Tokens: n, Method: MethodModelsAPI}, nil
		}
		if ctx.Err() != nil {
			return ContextInfo{}, canceled(ctx, p)
		}
		info, decided, err := d.probe(ctx, model, required)
		if err != nil {
			return ContextInfo{}, err
		}
		if decided {
			return info, nil
		}
	}

	if n := windowFromName(model); n > 0 {
		return ContextInfo{Tokens: n, Method: MethodNameHeuristic}, nil
	}
	return ContextInfo{Method: MethodNone}, nil
}

// fromModelsEndpoint trusts loaded or configured lengths only. A bare
// max_context_length is what the model could support, not what is loaded.
func (d *ContextDiscoverer) fromModelsEndpoint(ctx context.Context, lb *localBackend, model string) int {
	models, _, err := lb.listModels(ctx)
	if err != nil {
		zap.L().Debug("llm: model listing unavailable", zap.String("model", model), zap.Error(err))
		return 0
	}
	m, ok := findModel(models, model)
	if !ok {
		return 0
	}
	for _, n := range []int{m.LoadedContextLength, m.ContextLength} {
		if n >= minPlausibleContext && n <= maxPlausibleContext {
			return n
		}
	}
	return 0
}

func findModel(models []openai.Model, id string) (openai.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range models {
		if strings.EqualFold(m.ID, id) {
			return m, true
		}
	}
	return openai.Model{}, false
}

var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`n_ctx[^0-9]{0,16}(\d{3,8})`),
	regexp.MustCompile(`context length of (\d{3,8})`),
	regexp.MustCompile(`context window of (\d{3,8})`),
	regexp.MustCompile(`maximum context length is (\d{3,8})`),
	regexp.MustCompile(`context length is only (\d{3,8})`),
}

// parseOverflowLength pulls the configured context size out of an overflow
// error body.
func parseOverflowLength(body string) int {
	lower := strings.ToLower(body)
	for _, re := range overflowPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	return 0
}

// probe sends a prompt sized at required tokens with max_tokens=1. decided
// is false when the probe was inconclusive (e.g. no endpoint reachable).
func (d *ContextDiscoverer) probe(ctx context.Context, model string, required int) (ContextInfo, bool, error) {
	if required <= 0 {
		return ContextInfo{}, false, nil
	}
	filler := strings.Repeat("ok ", required*budget.CharsPerToken/3)
	_, err := d.client.local.chat(ctx, Request{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: filler}},
		MaxTokens: 1,
		Latency:   LatencyShort,
	})
	if err == nil {
		return ContextInfo{Tokens: required, Method: MethodProbe}, true, nil
	}
	if ctx.Err() != nil {
		return ContextInfo{}, false, canceled(ctx, ProviderLocal)
	}

	var shape *RequestShapeError
	if errors.As(err, &shape) && shape.Kind == ShapeContextExceeded {
		return ContextInfo{Tokens: parseOverflowLength(shape.Detail), Method: MethodProbe}, true, nil
	}
	zap.L().Debug("llm: context probe inconclusive", zap.String("model", model), zap.Error(err))
	return ContextInfo{}, false, nil
}

var paramSizeRe = regexp.MustCompile(`(\d+(?:\.\d+)?)b\b`)

// windowFromName guesses a context window from the parameter count in the
// model name. It is a last resort and deliberately conservative.
func windowFromName(model string) int {
	m := paramSizeRe.FindStringSubmatch(strings.ToLower(model))
	if m == nil {
		return 0
	}
	size, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch {
	case size >= 30:
		return 32768
	case size >= 13:
		return 16384
	case size >= 6:
		return 8192
	default:
		return 4096
	}
}

type documented struct {
	prefix string
	tokens int
}

// Ordered so longer prefixes match first.
var documentedWindows = map[Provider][]documented{
	ProviderOpenAI: {
		{"gpt-4.1", 1_047_576},
		{"gpt-4o", 128_000},
		{"gpt-4-turbo", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"gpt-5", 400_000},
		{"o1", 200_000},
		{"o3", 200_000},
		{"o4", 200_000},
	},
	ProviderAnthropic: {
		{"claude", 200_000},
	},
}

func documentedWindow(p Provider, model string) int {
	m := strings.ToLower(model)
	for _, d := range documentedWindows[p] {
		if strings.HasPrefix(m, d.prefix) {
			return d.tokens
		}
	}
	return 0
}
