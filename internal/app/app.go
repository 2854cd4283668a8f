// Package app wires the configured components into a running backend:
// the provider router, prompt catalogue, memory store, intent router and
// chat fallback shared by every session.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent"
	"github.com/seenimoa/efundkyc/internal/agent/prompts"
	"github.com/seenimoa/efundkyc/internal/config"
	"github.com/seenimoa/efundkyc/internal/kyc"
	"github.com/seenimoa/efundkyc/internal/llm"
	"github.com/seenimoa/efundkyc/internal/metrics"
)

// Memory backends.
const (
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
)

// App holds the process-wide components. Sessions are cheap and built on
// demand with NewSession.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Provider *llm.Router
	Model    llm.Completer
	Prompts  *prompts.Catalog
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Store    agent.Store

	router  *agent.IntentRouter
	chatbot *agent.Chatbot
	closers []func() error
}

// New builds an App from cfg. The Redis backend is dialled here, so a
// misconfigured store fails at startup rather than on the first message.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := llm.NewRouterFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("LLM setup failed: %w", err)
	}

	catalog, err := prompts.Open(cfg.Workflow.PromptsPath)
	if err != nil {
		return nil, fmt.Errorf("prompt catalogue: %w", err)
	}
	logger.Info("prompt catalogue loaded",
		zap.String("path", cfg.Workflow.PromptsPath),
		zap.Strings("templates", catalog.IDs()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Provider: provider,
		Prompts:  catalog,
		Metrics:  metrics.New(reg),
		Registry: reg,
	}
	a.Model = llm.NewCompleter(provider, a.chatOptions())

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.build()
	return a, nil
}

// build creates the shared routing and chat components over a populated App.
func (a *App) build() {
	a.router = agent.NewIntentRouter(agent.IntentRouterConfig{
		Model:     a.Model,
		Templates: a.Prompts,
		Keywords:  a.Config.Workflow.IntentKeywords,
		Logger:    a.Logger.Named("intent"),
		Metrics:   a.Metrics,
	})
	a.chatbot = agent.NewChatbot(agent.ChatbotConfig{
		Provider:    a.Provider,
		Templates:   a.Prompts,
		ChatOptions: a.chatOptions(),
		Logger:      a.Logger.Named("chat"),
	})
}

func (a *App) chatOptions() *llm.ChatOptions {
	return &llm.ChatOptions{
		Model:       a.Config.LLM.Model,
		Temperature: a.Config.LLM.Temperature,
		MaxTokens:   a.Config.LLM.MaxTokens,
	}
}

func (a *App) openStore(ctx context.Context) error {
	mc := a.Config.Memory
	switch mc.Backend {
	case "", BackendInMemory:
		a.Store = agent.NewInMemoryStore()
	case BackendRedis:
		client, err := agent.DialRedis(ctx, mc.RedisAddr, mc.RedisPassword, mc.RedisDB)
		if err != nil {
			return err
		}
		a.Store = agent.NewRedisStore(client, mc.TTL())
		a.closers = append(a.closers, client.Close)
	default:
		return fmt.Errorf("unknown memory backend %q", mc.Backend)
	}
	a.Logger.Info("memory store ready", zap.String("backend", mc.Backend))
	return nil
}

// NewEngine creates a KYC workflow engine. It satisfies agent.EngineFactory.
func (a *App) NewEngine() (agent.Workflow, error) {
	engine, err := kyc.NewEngine(a.Model, a.Prompts,
		kyc.WithLogger(a.Logger.Named("kyc")),
		kyc.WithMetrics(a.Metrics),
		kyc.WithTimeout(a.Config.Workflow.Timeout()),
	)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// NewSession creates the conversation session with the given ID over the
// shared memory store.
func (a *App) NewSession(id string) (*agent.Session, error) {
	return agent.NewSession(agent.SessionConfig{
		Memory:    agent.NewMemory(a.Store, id, a.Config.Session.MemoryWindow),
		Router:    a.router,
		Chat:      a.chatbot,
		NewEngine: a.NewEngine,
		Logger:    a.Logger.Named("session"),
	})
}

// Close releases the store connection, if any.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
