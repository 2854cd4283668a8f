package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/efundkyc/internal/config"
	"github.com/seenimoa/efundkyc/internal/infra"
)

// Router sends requests to a primary provider and falls back along a
// configured chain when the primary fails with a retryable error.
type Router struct {
	mu         sync.RWMutex
	providers  map[string]LLMProvider
	primary    string
	fallbacks  []string
	maxRetries int
	retryDelay time.Duration
	limiter    *infra.RateLimiter
	logger     *zap.Logger
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithFallbacks sets the fallback provider chain.
func WithFallbacks(providers ...string) RouterOption {
	return func(r *Router) { r.fallbacks = providers }
}

// WithMaxRetries sets the maximum number of retry attempts per provider.
func WithMaxRetries(n int) RouterOption {
	return func(r *Router) { r.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) RouterOption {
	return func(r *Router) { r.retryDelay = d }
}

// WithRequestLimiter paces outgoing requests per provider. A nil limiter
// leaves requests unpaced.
func WithRequestLimiter(l *infra.RateLimiter) RouterOption {
	return func(r *Router) { r.limiter = l }
}

// WithRouterLogger sets the logger used for fallback diagnostics.
func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates a new LLM router with the given primary provider.
func NewRouter(primary string, opts ...RouterOption) *Router {
	r := &Router{
		providers:  make(map[string]LLMProvider),
		primary:    primary,
		maxRetries: 2,
		retryDelay: 1 * time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds a provider to the router.
func (r *Router) RegisterProvider(provider LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// GetProvider returns a registered provider by name.
func (r *Router) GetProvider(name string) (LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Primary returns the primary provider.
func (r *Router) Primary() (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.primary]
	if !ok {
		return nil, fmt.Errorf("%w: primary provider %q not registered", ErrNoProviders, r.primary)
	}
	return p, nil
}

// Chat routes a chat request through the provider chain with fallback.
// It tries the primary provider first, then falls back in order.
func (r *Router) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	chain := r.providerChain()

	var lastErr error
	for _, providerName := range chain {
		provider, ok := r.GetProvider(providerName)
		if !ok {
			continue
		}

		resp, err := r.chatWithRetry(ctx, provider, messages, opts)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		r.logger.Warn("llm provider failed",
			zap.String("provider", providerName), zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNonRetryable(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, ErrNoProviders
	}
	return nil, fmt.Errorf("llm/router: all providers failed, last error: %w", lastErr)
}

// ChatStream routes a streaming request using the same fallback chain.
// Fallback only applies to failures opening the stream; an error
// delivered mid-stream is passed through to the reader.
func (r *Router) ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (<-chan StreamChunk, error) {
	chain := r.providerChain()

	var lastErr error
	for _, providerName := range chain {
		provider, ok := r.GetProvider(providerName)
		if !ok {
			continue
		}

		if err := r.limiter.Wait(ctx, providerName); err != nil {
			return nil, err
		}
		ch, err := provider.ChatStream(ctx, messages, opts)
		if err == nil {
			return ch, nil
		}

		lastErr = err
		r.logger.Warn("llm stream provider failed",
			zap.String("provider", providerName), zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNonRetryable(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, ErrNoProviders
	}
	return nil, fmt.Errorf("llm/router: all stream providers failed, last error: %w", lastErr)
}

// HealthCheck pings all registered providers concurrently and returns
// their status keyed by provider name.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	providers := make(map[string]LLMProvider, len(r.providers))
	for k, v := range r.providers {
		providers[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(providers))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for name, provider := range providers {
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			err := provider.Ping(pingCtx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			// individual failures are reported, not propagated
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// Name returns the name of the primary provider (satisfies LLMProvider).
func (r *Router) Name() string {
	return "router/" + r.primary
}

// Models returns the union of models from all registered providers (satisfies LLMProvider).
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []string
	seen := make(map[string]bool)
	for _, p := range r.providers {
		for _, m := range p.Models() {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	sort.Strings(all)
	return all
}

// Ping checks the primary provider's health (satisfies LLMProvider).
func (r *Router) Ping(ctx context.Context) error {
	p, err := r.Primary()
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

// ProviderNames returns the names of all registered providers, sorted.
func (r *Router) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ── Internal Helpers ──

func (r *Router) providerChain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := []string{r.primary}
	for _, fb := range r.fallbacks {
		if fb != r.primary {
			chain = append(chain, fb)
		}
	}
	return chain
}

func (r *Router) chatWithRetry(ctx context.Context, provider LLMProvider,
	messages []Message, opts *ChatOptions) (*Response, error) {

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := r.limiter.Wait(ctx, provider.Name()); err != nil {
			return nil, err
		}
		resp, err := provider.Chat(ctx, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if isNonRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func isNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	// auth errors, invalid model, and context length issues fail the same
	// way on every attempt
	return errors.Is(err, ErrNoAPIKey) ||
		errors.Is(err, ErrInvalidModel) ||
		errors.Is(err, ErrContextLength) ||
		strings.Contains(err.Error(), "API key")
}

// NewRouterFromConfig creates a fully configured Router from the application config.
// It instantiates every provider whose credentials are present; the
// configured primary is tried first and the rest form the fallback chain.
func NewRouterFromConfig(cfg *config.Config, logger *zap.Logger) (*Router, error) {
	lc := cfg.LLM
	router := NewRouter(lc.Primary,
		WithMaxRetries(2),
		WithRetryDelay(time.Second),
		WithRequestLimiter(infra.NewRateLimiter(lc.RequestsPerMin, lc.RequestBurst, 8)),
		WithRouterLogger(logger),
	)

	// the configured model only applies to the primary provider
	modelFor := func(name string) string {
		if name == lc.Primary {
			return lc.Model
		}
		return ""
	}

	var fallbacks []string
	register := func(p LLMProvider, err error) {
		if err != nil {
			router.logger.Debug("llm provider not registered", zap.Error(err))
			return
		}
		router.RegisterProvider(p)
		if p.Name() != lc.Primary {
			fallbacks = append(fallbacks, p.Name())
		}
	}

	if lc.OpenAIKey != "" {
		register(NewOpenAIProvider(lc.OpenAIKey,
			WithOpenAIBaseURL(lc.OpenAIBaseURL),
			WithOpenAIModel(modelFor(ProviderOpenAI)),
			WithOpenAITimeout(lc.Timeout()),
		))
	}
	if lc.AzureKey != "" && lc.AzureEndpoint != "" {
		deployment := lc.AzureDeployment
		if deployment == "" {
			deployment = modelFor(ProviderAzureOpenAI)
		}
		register(NewAzureOpenAIProvider(lc.AzureKey, lc.AzureEndpoint, lc.AzureAPIVersion,
			WithOpenAIModel(deployment),
			WithOpenAITimeout(lc.Timeout()),
		))
	}
	if lc.SiliconFlowKey != "" {
		register(NewSiliconFlowProvider(lc.SiliconFlowKey, lc.SiliconFlowURL,
			WithOpenAIModel(modelFor(ProviderSiliconFlow)),
			WithOpenAITimeout(lc.Timeout()),
		))
	}
	// Ollama needs no key; it is registered only when chosen as primary
	// so an absent local server does not sit in the fallback chain.
	if lc.Primary == ProviderOllama {
		register(NewOllamaProvider(lc.OllamaURL,
			WithOpenAIModel(modelFor(ProviderOllama)),
			WithOpenAITimeout(lc.Timeout()),
		))
	}

	if len(router.ProviderNames()) == 0 {
		return nil, ErrNoProviders
	}
	if _, err := router.Primary(); err != nil {
		return nil, err
	}

	router.fallbacks = fallbacks
	return router, nil
}
