package llm

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOllamaURL is where a local Ollama server listens.
const DefaultOllamaURL = "http://localhost:11434"

// ollamaModels lists models commonly pulled for local use.
var ollamaModels = []string{
	"qwen2.5:7b",
	"qwen2.5:14b",
	"llama3.1:8b",
	"deepseek-r1:7b",
}

// NewOllamaProvider creates a provider for a local Ollama server through its
// OpenAI-compatible /v1 endpoint. Ollama ignores the bearer token, so none
// is required.
func NewOllamaProvider(baseURL string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}

	p := newOpenAICompatible(ProviderOllama, "qwen2.5:7b", ollamaModels, opts)
	p.baseURL = baseURL

	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = p.httpClient
	p.client = openai.NewClientWithConfig(cfg)
	return p, nil
}
