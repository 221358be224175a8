package llm

import (
	"context"
	"fmt"
	"strings"
)

// ProviderUnavailableError means the provider is disabled, unconfigured, or
// rejected our credentials. It is never retried.
type ProviderUnavailableError struct {
	Provider Provider
	Reason   string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("llm: provider %s unavailable: %s", e.Provider, e.Reason)
}

// ShapeKind classifies a rejected request.
type ShapeKind string

const (
	ShapeModelNotLoaded  ShapeKind = "model_not_loaded"
	ShapeContextExceeded ShapeKind = "context_exceeded"
	ShapeInvalidRequest  ShapeKind = "invalid_request"
)

// RequestShapeError is a 4xx rejection of the request itself. Retrying the
// same request against the same backend cannot succeed.
type RequestShapeError struct {
	Provider   Provider
	URL        string
	Model      string
	StatusCode int
	Kind       ShapeKind
	Detail     string
}

func (e *RequestShapeError) Error() string {
	var hint string
	switch e.Kind {
	case ShapeModelNotLoaded:
		hint = fmt.Sprintf("load model %q in the backend or change the agent's model setting", e.Model)
	case ShapeContextExceeded:
		hint = "raise the model's context length or lower the input size"
	default:
		hint = "check the agent's model, max_tokens, and sampling settings"
	}
	where := string(e.Provider)
	if e.URL != "" {
		where += " at " + e.URL
	}
	return fmt.Sprintf("llm: %s rejected request (status %d, %s): %s; %s",
		where, e.StatusCode, e.Kind, e.Detail, hint)
}

// ContextWindowError means no discovery method found a large enough window.
type ContextWindowError struct {
	Provider Provider
	Model    string
	Detected int
	Method   string
	Required int
}

func (e *ContextWindowError) Error() string {
	detected := "unknown"
	if e.Detected > 0 {
		detected = fmt.Sprintf("%d tokens", e.Detected)
	}
	return fmt.Sprintf(
		"llm: context window for %s/%s is %s (via %s), need at least %d tokens; "+
			"load the model with a larger context or set llm.context_overrides.%s",
		e.Provider, e.Model, detected, e.Method, e.Required, e.Model)
}

// LocalExhaustedError lists every local URL tried and the last failure.
type LocalExhaustedError struct {
	Tried []string
	Last  error
}

func (e *LocalExhaustedError) Error() string {
	return fmt.Sprintf("llm: all local endpoints failed (tried %s): %v",
		strings.Join(e.Tried, ", "), e.Last)
}

func (e *LocalExhaustedError) Unwrap() error { return e.Last }

// canceled builds the error returned when ctx ends mid-request.
func canceled(ctx context.Context, p Provider) error {
	return fmt.Errorf("llm: %s request canceled: %w", p, ctx.Err())
}

var (
	modelNotLoadedPatterns = []string{
		"model not loaded",
		"no model loaded",
		"model is not loaded",
		"no models loaded",
		"failed to load model",
		"model_not_found",
		"model not found",
	}
	contextExceededPatterns = []string{
		"context length",
		"context window",
		"context_length_exceeded",
		"n_ctx",
		"maximum context",
		"exceeds the context",
		"too many tokens",
		"prompt is too long",
	}
)

// classifyBadRequest inspects a 400 body. The empty kind means the body
// matched nothing known.
func classifyBadRequest(body string) ShapeKind {
	lower := strings.ToLower(body)
	for _, p := range contextExceededPatterns {
		if strings.Contains(lower, p) {
			return ShapeContextExceeded
		}
	}
	for _, p := range modelNotLoadedPatterns {
		if strings.Contains(lower, p) {
			return ShapeModelNotLoaded
		}
	}
	return ""
}
