package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/rulesmith/internal/resilience"
)

func chatJSON(content, finish string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
	}
}

func okServer(t *testing.T, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatJSON(content, "stop")) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testRetry(rec *sleepRecorder, maxBackoff time.Duration) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     maxBackoff,
		Multiplier:     2,
		JitterFraction: 0.25,
		Sleep:          rec.sleep,
	}
}

func userMsg(s string) []Message {
	return []Message{{Role: "user", Content: s}}
}

func TestCanonicalProvider(t *testing.T) {
	tests := []struct {
		in   string
		want Provider
	}{
		{"local", ProviderLocal},
		{"LMStudio", ProviderLocal},
		{" lm_studio ", ProviderLocal},
		{"ollama", ProviderLocal},
		{"openai", ProviderOpenAI},
		{"ChatGPT", ProviderOpenAI},
		{"gpt", ProviderOpenAI},
		{"claude", ProviderAnthropic},
		{"Anthropic", ProviderAnthropic},
	}
	for _, tt := range tests {
		got, err := CanonicalProvider(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := CanonicalProvider("gemini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")

	_, err = CanonicalProvider("")
	require.Error(t, err)
}

func TestChat_ProviderUnavailable(t *testing.T) {
	c := New(Config{
		OpenAI:    RemoteConfig{Enabled: true},
		Anthropic: RemoteConfig{Enabled: false, APIKey: "k"},
	})

	for _, name := range []string{"local", "openai", "claude"} {
		_, err := c.Chat(context.Background(), Request{Provider: name, Model: "m", Messages: userMsg("hi")})
		var unavailable *ProviderUnavailableError
		require.True(t, errors.As(err, &unavailable), name)
	}

	_, err := c.Chat(context.Background(), Request{Provider: "openai", Model: "m"})
	assert.Contains(t, err.Error(), "missing API key")

	_, err = c.Chat(context.Background(), Request{Provider: "bard", Model: "m"})
	var unavailable *ProviderUnavailableError
	assert.False(t, errors.As(err, &unavailable))
	assert.False(t, c.Enabled(ProviderLocal))
}

func TestLocal_FallsBackToNextURL(t *testing.T) {
	good, calls := okServer(t, "hello")
	c := New(Config{Local: LocalConfig{
		Enabled:      true,
		BaseURL:      deadURL(t),
		FallbackURLs: []string{good.URL},
	}})

	resp, err := c.Chat(context.Background(), Request{Provider: "lmstudio", Model: "qwen", Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, ProviderLocal, resp.Provider)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, good.URL+"/v1", resp.BaseURL)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocal_ShapeErrorStopsFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"No models loaded. Please load a model first."}`) //nolint:errcheck
	}))
	defer bad.Close()
	good, calls := okServer(t, "never")

	c := New(Config{Local: LocalConfig{Enabled: true, BaseURL: bad.URL, FallbackURLs: []string{good.URL}}})
	_, err := c.Chat(context.Background(), Request{Provider: "local", Model: "qwen", Messages: userMsg("hi")})

	var shape *RequestShapeError
	require.True(t, errors.As(err, &shape))
	assert.Equal(t, ShapeModelNotLoaded, shape.Kind)
	assert.Equal(t, bad.URL+"/v1", shape.URL)
	assert.Contains(t, shape.Error(), "load model")
	assert.Equal(t, int32(0), calls.Load())
}

func TestLocal_UnclassifiedBadRequestMovesOn(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"unsupported parameter"}`) //nolint:errcheck
	}))
	defer bad.Close()
	good, _ := okServer(t, "ok")

	c := New(Config{Local: LocalConfig{Enabled: true, BaseURL: bad.URL, FallbackURLs: []string{good.URL}}})
	resp, err := c.Chat(context.Background(), Request{Provider: "local", Model: "qwen", Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
}

func TestLocal_TimeoutMovesOn(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	good, _ := okServer(t, "fast")

	c := New(Config{Local: LocalConfig{Enabled: true, BaseURL: slow.URL, FallbackURLs: []string{good.URL}}})
	resp, err := c.Chat(context.Background(), Request{
		Provider: "local",
		Model:    "qwen",
		Messages: userMsg("hi"),
		Timeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Text())
}

func TestLocal_Exhausted(t *testing.T) {
	a, b := deadURL(t), deadURL(t)
	c := New(Config{Local: LocalConfig{Enabled: true, BaseURL: a, FallbackURLs: []string{b}}})

	_, err := c.Chat(context.Background(), Request{Provider: "local", Model: "qwen", Messages: userMsg("hi")})
	var exhausted *LocalExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{a + "/v1", b + "/v1"}, exhausted.Tried)
	assert.Contains(t, err.Error(), a+"/v1")
	assert.Contains(t, err.Error(), b+"/v1")
	assert.NotNil(t, exhausted.Last)
}

func TestChat_CancellationAbortsConnection(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)

	started := make(chan struct{}, 1)
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		started <- struct{}{}
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	c := New(Config{Local: LocalConfig{Enabled: true, BaseURL: srv.URL}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Chat(ctx, Request{Provider: "local", Model: "qwen", Messages: userMsg("hi")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the aborted connection")
	}
}

func TestOpenAI_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatJSON("done", "stop")) //nolint:errcheck
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{
		OpenAI:       RemoteConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL},
		Retry:        testRetry(rec, 30*time.Second),
		RateLimitRPS: 100,
	})

	resp, err := c.Chat(context.Background(), Request{Provider: "openai", Model: "gpt-4o", Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.delays)
	assert.Less(t, float64(c.limiters[ProviderOpenAI].Limit()), 100.0)
}

func TestOpenAI_BackoffMonotonicUnder429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	maxBackoff := 50 * time.Millisecond
	c := New(Config{
		OpenAI: RemoteConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL},
		Retry:  testRetry(rec, maxBackoff),
	})

	_, err := c.Chat(context.Background(), Request{Provider: "openai", Model: "gpt-4o", Messages: userMsg("hi")})
	require.Error(t, err)

	var te *resilience.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
	assert.Equal(t, int32(5), calls.Load())

	require.Len(t, rec.delays, 4)
	for i, d := range rec.delays {
		assert.LessOrEqual(t, d, maxBackoff)
		if i > 0 {
			assert.GreaterOrEqual(t, d, rec.delays[i-1])
		}
	}
}

func TestOpenAI_Retries5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatJSON("recovered", "length")) //nolint:errcheck
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{
		OpenAI: RemoteConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL},
		Retry:  testRetry(rec, time.Second),
	})

	resp, err := c.Chat(context.Background(), Request{Provider: "openai", Model: "gpt-4o", Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.True(t, resp.Truncated())
	assert.Len(t, rec.delays, 1)
}

func TestOpenAI_ClientErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"context_length_exceeded"}}`,
			check: func(t *testing.T, err error) {
				var shape *RequestShapeError
				require.True(t, errors.As(err, &shape))
				assert.Equal(t, ShapeContextExceeded, shape.Kind)
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error":"no such route"}`,
			check: func(t *testing.T, err error) {
				var shape *RequestShapeError
				require.True(t, errors.As(err, &shape))
				assert.Equal(t, ShapeInvalidRequest, shape.Kind)
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":"bad key"}`,
			check: func(t *testing.T, err error) {
				var unavailable *ProviderUnavailableError
				require.True(t, errors.As(err, &unavailable))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body) //nolint:errcheck
				calls.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body) //nolint:errcheck
			}))
			defer srv.Close()

			rec := &sleepRecorder{}
			c := New(Config{
				OpenAI: RemoteConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL},
				Retry:  testRetry(rec, time.Second),
			})
			_, err := c.Chat(context.Background(), Request{Provider: "openai", Model: "gpt-4o", Messages: userMsg("hi")})
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, rec.delays)
		})
	}
}

func anthropicJSON(text string) map[string]any {
	return map[string]any{
		"id":          "msg_1",
		"type":        "message",
		"role":        "assistant",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"model":       "claude-sonnet-4-5-20250929",
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 20, "output_tokens": 4},
	}
}

func TestAnthropic_RetriesOverloadedAndMapsSystem(t *testing.T) {
	var calls atomic.Int32
	var sawSystem atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		if sys, ok := body["system"].([]any); ok && len(sys) == 1 {
			sawSystem.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(anthropicJSON("rule text")) //nolint:errcheck
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{
		Anthropic: RemoteConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL},
		Retry:     testRetry(rec, time.Second),
	})

	resp, err := c.Chat(context.Background(), Request{
		Provider: "claude",
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []Message{
			{Role: "system", Content: "You write SIGMA rules."},
			{Role: "user", Content: "go"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "rule text", resp.Text())
	assert.Equal(t, ProviderAnthropic, resp.Provider)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 24, resp.Usage.TotalTokens)
	assert.False(t, resp.Truncated())
	assert.True(t, sawSystem.Load())
}

func TestResponse_Text(t *testing.T) {
	r := &Response{Message: Message{ReasoningContent: "thinking... SCORE: 7"}, FinishReason: "max_tokens"}
	assert.Equal(t, "thinking... SCORE: 7", r.Text())
	assert.True(t, r.Truncated())

	r.Message.Content = "answer"
	assert.Equal(t, "answer", r.Text())
}

func TestLocalCandidates(t *testing.T) {
	got := localCandidates("localhost:1234", DefaultLocalURLs)
	assert.Equal(t, DefaultLocalURLs, got)

	got = localCandidates("http://gpu-box:8080/v1/", []string{"http://gpu-box:8080", ""})
	assert.Equal(t, []string{"http://gpu-box:8080/v1"}, got)

	assert.Empty(t, localCandidates("", nil))
}

func TestClassifyBadRequest(t *testing.T) {
	tests := []struct {
		body string
		want ShapeKind
	}{
		{"Model not loaded", ShapeModelNotLoaded},
		{`{"error":"model_not_found"}`, ShapeModelNotLoaded},
		{"the request exceeds the available context size (n_ctx: 4096)", ShapeContextExceeded},
		{"This model's maximum context length is 8192 tokens", ShapeContextExceeded},
		{"temperature must be positive", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyBadRequest(tt.body), tt.body)
	}
}

func TestErrorMessagesAreActionable(t *testing.T) {
	err := &ContextWindowError{Provider: ProviderLocal, Model: "qwen2.5-7b", Detected: 8192, Method: MethodProbe, Required: 16000}
	msg := err.Error()
	assert.Contains(t, msg, "8192")
	assert.Contains(t, msg, "16000")
	assert.Contains(t, msg, "probe")
	assert.True(t, strings.Contains(msg, "context_overrides"))

	unknown := &ContextWindowError{Provider: ProviderLocal, Model: "m", Method: MethodNone, Required: 4096}
	assert.Contains(t, unknown.Error(), "unknown")
}
