package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/kyc"
	"github.com/seenimoa/efundkyc/internal/llm"
)

// InvalidMessageReply is streamed back for an empty message.
const InvalidMessageReply = "Please provide a valid message."

// Classifier picks the path for a message.
type Classifier interface {
	Classify(ctx context.Context, text string) Intent
}

// Workflow starts KYC runs. *kyc.Engine satisfies it.
type Workflow interface {
	Run(ctx context.Context, userInput, customerID string) *kyc.Handle
}

// EngineFactory creates the workflow a session uses for KYC messages. It
// is called lazily, and again after every Reset.
type EngineFactory func() (Workflow, error)

// SessionConfig configures a Session.
type SessionConfig struct {
	Memory     *Memory
	Router     Classifier
	Chat       Responder
	NewEngine  EngineFactory
	CustomerID string
	Logger     *zap.Logger
}

// Session is one conversation: it routes each message to the KYC workflow
// or to chat and keeps the shared memory of both paths. Callers must not
// process two messages of the same session at once.
type Session struct {
	memory     *Memory
	router     Classifier
	chat       Responder
	newEngine  EngineFactory
	customerID string
	logger     *zap.Logger

	mu     sync.Mutex
	engine Workflow
}

// NewSession creates a session from cfg.
func NewSession(cfg SessionConfig) (*Session, error) {
	switch {
	case cfg.Memory == nil:
		return nil, errors.New("agent: session needs memory")
	case cfg.Router == nil:
		return nil, errors.New("agent: session needs an intent router")
	case cfg.Chat == nil:
		return nil, errors.New("agent: session needs a chat responder")
	case cfg.NewEngine == nil:
		return nil, errors.New("agent: session needs an engine factory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		memory:     cfg.Memory,
		router:     cfg.Router,
		chat:       cfg.Chat,
		newEngine:  cfg.NewEngine,
		customerID: cfg.CustomerID,
		logger:     logger.With(zap.String("session_id", cfg.Memory.SessionID())),
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.memory.SessionID() }

// StreamChat handles one inbound message, passing each reply fragment to
// emit as it is produced.
func (s *Session) StreamChat(ctx context.Context, message string, emit func(string) error) error {
	if strings.TrimSpace(message) == "" {
		return emit(InvalidMessageReply)
	}

	intent := s.router.Classify(ctx, message)
	s.logger.Info("routing message", zap.String("intent", string(intent)))

	if intent == IntentKYC {
		return s.streamKYC(ctx, message, emit)
	}
	if _, err := s.chat.StreamChat(ctx, s.memory, message, emit); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

// Chat handles one message and returns the whole reply.
func (s *Session) Chat(ctx context.Context, message string) (string, error) {
	var sb strings.Builder
	err := s.StreamChat(ctx, message, func(fragment string) error {
		sb.WriteString(fragment)
		return nil
	})
	return sb.String(), err
}

func (s *Session) streamKYC(ctx context.Context, message string, emit func(string) error) error {
	if err := s.memory.Add(ctx, llm.UserMessage(message)); err != nil {
		return err
	}

	engine, err := s.workflow()
	if err != nil {
		return fmt.Errorf("kyc: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var parts []string
	result, err := kyc.Drain(engine.Run(runCtx, message, s.customerID), func(c kyc.StreamingChunk) error {
		if c.Chunk == "" {
			return nil
		}
		parts = append(parts, c.Chunk)
		if err := emit(c.Chunk); err != nil {
			cancel()
			return err
		}
		return nil
	})

	reply := strings.Join(parts, "")
	if len(parts) == 0 && result != nil && result.Recommendation != "" {
		reply = result.Recommendation
		if err == nil {
			err = emit(reply)
		}
	}
	if reply != "" {
		if addErr := s.memory.Add(ctx, llm.AssistantMessage(reply)); addErr != nil && err == nil {
			err = addErr
		}
	}
	if err != nil {
		return fmt.Errorf("kyc: %w", err)
	}
	if result.Status == kyc.StatusError {
		s.logger.Warn("kyc workflow ended with error", zap.String("error", result.Error))
	}
	return nil
}

// workflow returns the session engine, creating it on first use.
func (s *Session) workflow() (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		engine, err := s.newEngine()
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}
	return s.engine, nil
}

// ChatHistory returns every message of the session, oldest first.
func (s *Session) ChatHistory(ctx context.Context) ([]llm.Message, error) {
	return s.memory.Messages(ctx)
}

// Reset clears the memory and drops the engine. A run already in progress
// is not cancelled.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.engine = nil
	s.mu.Unlock()
	return s.memory.Clear(ctx)
}
