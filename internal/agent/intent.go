package agent

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent/prompts"
	"github.com/seenimoa/efundkyc/internal/llm"
	"github.com/seenimoa/efundkyc/internal/metrics"
)

// Intent is the routing decision for one inbound message.
type Intent string

const (
	IntentKYC  Intent = "kyc_workflow"
	IntentChat Intent = "normal_chat"
)

// DefaultIntentKeywords select the KYC path when found in the model's
// classification answer.
var DefaultIntentKeywords = []string{"kyc", "workflow"}

// IntentRouterConfig configures an IntentRouter.
type IntentRouterConfig struct {
	Model     llm.Completer
	Templates prompts.Renderer
	Keywords  []string // matched case-insensitively; empty means DefaultIntentKeywords
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// IntentRouter decides whether a message enters the KYC workflow. Any
// failure resolves to IntentChat.
type IntentRouter struct {
	model     llm.Completer
	templates prompts.Renderer
	keywords  []string
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewIntentRouter creates a router from cfg.
func NewIntentRouter(cfg IntentRouterConfig) *IntentRouter {
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		keywords = DefaultIntentKeywords
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentRouter{
		model:     cfg.Model,
		templates: cfg.Templates,
		keywords:  keywords,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Classify returns the intent of text. Empty or whitespace-only text is
// IntentChat without a model call.
func (r *IntentRouter) Classify(ctx context.Context, text string) Intent {
	intent := r.classify(ctx, text)
	r.metrics.ObserveIntent(string(intent))
	return intent
}

func (r *IntentRouter) classify(ctx context.Context, text string) Intent {
	if strings.TrimSpace(text) == "" {
		return IntentChat
	}

	ctx, span := otel.Tracer("github.com/seenimoa/efundkyc/internal/agent").Start(ctx, "agent.classify_intent")
	defer span.End()

	prompt, err := r.templates.Render(prompts.IntentClassification, map[string]any{
		prompts.KeyUserInput: text,
	})
	if err != nil {
		r.logger.Warn("intent prompt unavailable, defaulting to chat", zap.Error(err))
		span.RecordError(err)
		return IntentChat
	}

	answer, err := r.model.Complete(ctx, prompt)
	if err != nil {
		r.logger.Warn("intent classification failed, defaulting to chat", zap.Error(err))
		span.RecordError(err)
		return IntentChat
	}

	intent := r.Match(answer)
	span.SetAttributes(attribute.String("intent", string(intent)))
	r.logger.Debug("classified intent", zap.String("intent", string(intent)))
	return intent
}

// Match maps a raw classification answer to an intent by keyword.
func (r *IntentRouter) Match(answer string) Intent {
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, k := range r.keywords {
		if strings.Contains(answer, k) {
			return IntentKYC
		}
	}
	return IntentChat
}
