package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openAIModels lists commonly available OpenAI models.
var openAIModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
	"o1-mini",
	"o3-mini",
}

// siliconFlowModels lists models commonly served by SiliconFlow.
var siliconFlowModels = []string{
	"Qwen/Qwen2.5-72B-Instruct",
	"Qwen/Qwen2.5-7B-Instruct",
	"deepseek-ai/DeepSeek-V3",
	"deepseek-ai/DeepSeek-R1",
	"THUDM/glm-4-9b-chat",
}

// OpenAIProvider implements LLMProvider for any backend that speaks the
// OpenAI Chat Completions protocol: OpenAI itself, Azure OpenAI, and
// SiliconFlow.
type OpenAIProvider struct {
	name       string
	model      string
	models     []string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	client     *openai.Client
}

// OpenAIOption configures the OpenAI provider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIBaseURL sets a custom base URL (e.g., for proxies).
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithOpenAIModel sets the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.httpClient = client }
}

// WithOpenAITimeout sets the per-request timeout of the default HTTP client.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) {
		if d > 0 {
			p.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	p := newOpenAICompatible(ProviderOpenAI, "gpt-4o", openAIModels, opts)

	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.httpClient
	p.client = openai.NewClientWithConfig(cfg)
	return p, nil
}

// NewAzureOpenAIProvider creates a provider for an Azure OpenAI resource.
// The configured model is used as the deployment name.
func NewAzureOpenAIProvider(apiKey, endpoint, apiVersion string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if endpoint == "" {
		return nil, fmt.Errorf("%w: azure endpoint not configured", ErrProviderDown)
	}
	p := newOpenAICompatible(ProviderAzureOpenAI, "gpt-4o", openAIModels, opts)
	p.baseURL = strings.TrimRight(endpoint, "/")
	p.apiVersion = apiVersion

	cfg := openai.DefaultAzureConfig(apiKey, p.baseURL)
	if apiVersion != "" {
		cfg.APIVersion = apiVersion
	}
	cfg.HTTPClient = p.httpClient
	p.client = openai.NewClientWithConfig(cfg)
	return p, nil
}

// NewSiliconFlowProvider creates a provider for the SiliconFlow
// OpenAI-compatible endpoint.
func NewSiliconFlowProvider(apiKey, baseURL string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if baseURL == "" {
		baseURL = "https://api.siliconflow.cn/v1"
	}
	p := newOpenAICompatible(ProviderSiliconFlow, "Qwen/Qwen2.5-72B-Instruct", siliconFlowModels, opts)
	p.baseURL = strings.TrimRight(baseURL, "/")

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = p.httpClient
	p.client = openai.NewClientWithConfig(cfg)
	return p, nil
}

func newOpenAICompatible(name, model string, models []string, opts []OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		name:       name,
		model:      model,
		models:     models,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string     { return p.name }
func (p *OpenAIProvider) Models() []string { return p.models }

// Ping verifies the API key by listing models.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.mapError(err)
	}
	return nil
}

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	start := time.Now()
	req := p.buildRequest(messages, opts, false)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:    resp.Model,
		Provider: p.name,
		Latency:  time.Since(start),
	}, nil
}

// ChatStream sends a streaming chat completion request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, opts, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.mapError(err)
	}

	ch := make(chan StreamChunk, 64)
	go p.readStream(ctx, stream, ch)
	return ch, nil
}

// ── Helpers ──

func (p *OpenAIProvider) readStream(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- StreamChunk) {
	defer close(ch)
	defer stream.Close()

	send := func(sc StreamChunk) bool {
		select {
		case ch <- sc:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			send(StreamChunk{Done: true, FinishReason: FinishStop})
			return
		}
		if err != nil {
			send(StreamChunk{Err: p.mapError(err), FinishReason: FinishError})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		sc := StreamChunk{Content: choice.Delta.Content}
		if choice.FinishReason != "" {
			sc.FinishReason = mapOpenAIFinishReason(choice.FinishReason)
		}
		if sc.Content == "" && sc.FinishReason == "" {
			continue
		}
		if !send(sc) {
			return
		}
	}
}

func (p *OpenAIProvider) resolveModel(opts *ChatOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return p.model
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts *ChatOptions, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    p.resolveModel(opts),
		Messages: convertToOpenAIMessages(messages),
		Stream:   stream,
	}
	if opts != nil {
		if opts.Temperature > 0 {
			req.Temperature = float32(opts.Temperature)
		}
		if opts.MaxTokens > 0 {
			req.MaxTokens = opts.MaxTokens
		}
		if opts.TopP > 0 {
			req.TopP = float32(opts.TopP)
		}
		if len(opts.Stop) > 0 {
			req.Stop = opts.Stop
		}
	}
	return req
}

// mapError translates client errors into the package sentinels.
func (p *OpenAIProvider) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return p.statusError(apiErr.HTTPStatusCode, code+" "+apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return p.statusError(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderDown, p.name, err)
}

func (p *OpenAIProvider) statusError(status int, msg string, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: invalid API key: %s", ErrNoAPIKey, p.name, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", ErrRateLimit, p.name, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrInvalidModel, p.name, msg)
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "context_length") || strings.Contains(lower, "maximum context length"):
			return fmt.Errorf("%w: %s: %s", ErrContextLength, p.name, msg)
		case strings.Contains(lower, "model_not_found") || strings.Contains(lower, "model not found"):
			return fmt.Errorf("%w: %s: %s", ErrInvalidModel, p.name, msg)
		}
		return fmt.Errorf("%s: bad request: %w", p.name, err)
	}
	if status >= 500 {
		return fmt.Errorf("%w: %s: HTTP %d: %s", ErrProviderDown, p.name, status, msg)
	}
	return fmt.Errorf("%s: HTTP %d: %w", p.name, status, err)
}

func convertToOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func mapOpenAIFinishReason(reason openai.FinishReason) FinishReason {
	switch reason {
	case openai.FinishReasonLength:
		return FinishLength
	case openai.FinishReasonStop, "":
		return FinishStop
	default:
		return FinishReason(reason)
	}
}
