package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lmStudio fakes a local server: GET /v1/models returns models, POST
// /v1/chat/completions answers with chat.
func lmStudio(t *testing.T, models []map[string]any, chat http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var listCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			listCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"data": models}) //nolint:errcheck
		case chat != nil:
			chat(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &listCalls
}

func localClient(url string, overrides map[string]int) *Client {
	return New(Config{
		Local:            LocalConfig{Enabled: true, BaseURL: url},
		ContextOverrides: overrides,
		MinContextWindow: 8192,
	})
}

func TestDiscover_Override(t *testing.T) {
	d := NewContextDiscoverer(localClient(deadURL(t), map[string]int{"Qwen2.5-7B": 65536}))
	info, err := d.Discover(context.Background(), "local", "qwen2.5-7b", 16000)
	require.NoError(t, err)
	assert.Equal(t, ContextInfo{Tokens: 65536, Method: MethodOverride}, info)
}

func TestDiscover_Documented(t *testing.T) {
	d := NewContextDiscoverer(New(Config{}))
	info, err := d.Discover(context.Background(), "claude", "claude-sonnet-4-5-20250929", 100000)
	require.NoError(t, err)
	assert.Equal(t, 200000, info.Tokens)
	assert.Equal(t, MethodDocumented, info.Method)

	info, err = d.Discover(context.Background(), "openai", "gpt-4o-mini", 0)
	require.NoError(t, err)
	assert.Equal(t, 128000, info.Tokens)
}

func TestDiscover_ModelsEndpointTrustsLoadedLength(t *testing.T) {
	srv, listCalls := lmStudio(t, []map[string]any{
		{"id": "other", "loaded_context_length": 4096},
		{"id": "qwen2.5-14b-instruct", "loaded_context_length": 32768, "max_context_length": 131072},
	}, nil)
	d := NewContextDiscoverer(localClient(srv.URL, nil))

	info, err := d.Discover(context.Background(), "local", "qwen2.5-14b-instruct", 16000)
	require.NoError(t, err)
	assert.Equal(t, ContextInfo{Tokens: 32768, Method: MethodModelsAPI}, info)

	_, err = d.Discover(context.Background(), "lmstudio", "qwen2.5-14b-instruct", 16000)
	require.NoError(t, err)
	assert.Equal(t, int32(1), listCalls.Load(), "second lookup is cached")
}

func TestDiscover_IgnoresTheoreticalMaximumAndProbes(t *testing.T) {
	var chatCalls atomic.Int32
	srv, _ := lmStudio(t, []map[string]any{
		{"id": "llama-3.1-8b", "max_context_length": 131072},
	}, func(w http.ResponseWriter, r *http.Request) {
		chatCalls.Add(1)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		assert.EqualValues(t, 1, body["max_tokens"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatJSON("ok", "length")) //nolint:errcheck
	})
	d := NewContextDiscoverer(localClient(srv.URL, nil))

	info, err := d.Discover(context.Background(), "local", "llama-3.1-8b", 12000)
	require.NoError(t, err)
	assert.Equal(t, ContextInfo{Tokens: 12000, Method: MethodProbe}, info)
	assert.Equal(t, int32(1), chatCalls.Load())
}

func TestDiscover_ProbeOverflowReportsDetectedSize(t *testing.T) {
	srv, _ := lmStudio(t, nil, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"the request exceeds the available context size, n_ctx: 8192"}`) //nolint:errcheck
	})
	d := NewContextDiscoverer(localClient(srv.URL, nil))

	_, err := d.Discover(context.Background(), "local", "qwen2.5-14b", 16000)
	var cwErr *ContextWindowError
	require.True(t, errors.As(err, &cwErr))
	assert.Equal(t, 8192, cwErr.Detected)
	assert.Equal(t, MethodProbe, cwErr.Method)
	assert.Equal(t, 16000, cwErr.Required)
}

func TestDiscover_NameHeuristicLastResort(t *testing.T) {
	d := NewContextDiscoverer(localClient(deadURL(t), nil))

	info, err := d.Discover(context.Background(), "local", "qwen2.5-14b", 16000)
	require.NoError(t, err)
	assert.Equal(t, ContextInfo{Tokens: 16384, Method: MethodNameHeuristic}, info)

	_, err = d.Discover(context.Background(), "local", "mystery-model", 0)
	var cwErr *ContextWindowError
	require.True(t, errors.As(err, &cwErr))
	assert.Equal(t, MethodNone, cwErr.Method)
	assert.Equal(t, 8192, cwErr.Required)
}

func TestDiscover_UnknownProvider(t *testing.T) {
	d := NewContextDiscoverer(New(Config{}))
	_, err := d.Discover(context.Background(), "mistral", "m", 0)
	require.Error(t, err)
}

func TestParseOverflowLength(t *testing.T) {
	tests := []struct {
		body string
		want int
	}{
		{"n_ctx: 4096", 4096},
		{"requested tokens exceed context window of 16384", 16384},
		{"This model's maximum context length is 8192 tokens", 8192},
		{"Trying to keep the first 9000 tokens when context length of 4096 ...", 4096},
		{"context overflow", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseOverflowLength(tt.body), tt.body)
	}
}

func TestWindowFromName(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"qwen2.5-14b-instruct", 16384},
		{"llama-3.1-8b", 8192},
		{"llama-3.3-70b", 32768},
		{"phi-3-mini-3.8b", 4096},
		{"gpt-oss", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, windowFromName(tt.model), tt.model)
	}
}
