package llm

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Provider is one of the supported backends.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

var providerAliases = map[string]Provider{
	"local":     ProviderLocal,
	"lmstudio":  ProviderLocal,
	"lm_studio": ProviderLocal,
	"lm-studio": ProviderLocal,
	"ollama":    ProviderLocal,
	"llamacpp":  ProviderLocal,
	"llama.cpp": ProviderLocal,
	"openai":    ProviderOpenAI,
	"chatgpt":   ProviderOpenAI,
	"gpt":       ProviderOpenAI,
	"anthropic": ProviderAnthropic,
	"claude":    ProviderAnthropic,
}

// Providers lists the closed set in a stable order.
func Providers() []Provider {
	return []Provider{ProviderLocal, ProviderOpenAI, ProviderAnthropic}
}

// CanonicalProvider maps a configured provider name or alias to a Provider.
func CanonicalProvider(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", eris.New("llm: provider name is empty")
	}
	if p, ok := providerAliases[key]; ok {
		return p, nil
	}
	return "", eris.Errorf("llm: unknown provider %q (expected local, openai, or anthropic)", name)
}

// Remote reports whether the provider is a hosted vendor API.
func (p Provider) Remote() bool {
	return p == ProviderOpenAI || p == ProviderAnthropic
}
