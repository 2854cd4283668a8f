package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent/prompts"
	"github.com/seenimoa/efundkyc/internal/llm"
)

// Responder answers a chat message over a session's memory, streaming the
// reply through emit, and returns the full reply.
type Responder interface {
	StreamChat(ctx context.Context, mem *Memory, message string, emit func(string) error) (string, error)
}

// ChatbotConfig configures a Chatbot.
type ChatbotConfig struct {
	Provider     llm.LLMProvider
	Templates    prompts.Renderer
	ChatOptions  *llm.ChatOptions
	CustomerName string
	Logger       *zap.Logger
}

// Chatbot is the general conversation path: a system prompt, the recent
// memory window, and the new message, streamed through the provider.
type Chatbot struct {
	provider     llm.LLMProvider
	templates    prompts.Renderer
	opts         *llm.ChatOptions
	customerName string
	logger       *zap.Logger
}

// NewChatbot creates a Chatbot from cfg.
func NewChatbot(cfg ChatbotConfig) *Chatbot {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chatbot{
		provider:     cfg.Provider,
		templates:    cfg.Templates,
		opts:         cfg.ChatOptions,
		customerName: cfg.CustomerName,
		logger:       logger,
	}
}

// messages builds the prompt for message from the memory window.
func (c *Chatbot) messages(ctx context.Context, mem *Memory, message string) ([]llm.Message, error) {
	history, err := mem.Recent(ctx)
	if err != nil {
		return nil, err
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	if c.templates != nil {
		vars := map[string]any{}
		if c.customerName != "" {
			vars[prompts.KeyCustomerName] = c.customerName
		}
		system, err := c.templates.Render(prompts.ChatSystem, vars)
		if err != nil {
			c.logger.Warn("chat system prompt unavailable", zap.Error(err))
		} else if system != "" {
			msgs = append(msgs, llm.SystemMessage(system))
		}
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.UserMessage(message))
	return msgs, nil
}

// StreamChat implements Responder. The user message is always recorded;
// the reply is recorded only if the stream completes.
func (c *Chatbot) StreamChat(ctx context.Context, mem *Memory, message string, emit func(string) error) (string, error) {
	msgs, err := c.messages(ctx, mem, message)
	if err != nil {
		return "", err
	}
	if err := mem.Add(ctx, llm.UserMessage(message)); err != nil {
		return "", err
	}

	ch, err := c.provider.ChatStream(ctx, msgs, c.opts)
	if err != nil {
		return "", fmt.Errorf("chat stream: %w", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			drain(ch)
			return sb.String(), fmt.Errorf("chat stream: %w", chunk.Err)
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			if err := emit(chunk.Content); err != nil {
				drain(ch)
				return sb.String(), err
			}
		}
		if chunk.Done {
			break
		}
	}

	reply := sb.String()
	if reply != "" {
		if err := mem.Add(ctx, llm.AssistantMessage(reply)); err != nil {
			return reply, err
		}
	}
	c.logger.Debug("chat reply", zap.String("session_id", mem.SessionID()), zap.Int("length", len(reply)))
	return reply, nil
}

// Chat is the non-streaming form of StreamChat.
func (c *Chatbot) Chat(ctx context.Context, mem *Memory, message string) (string, error) {
	return c.StreamChat(ctx, mem, message, func(string) error { return nil })
}

// drain discards the rest of a stream in the background so its producer
// can exit.
func drain(ch <-chan llm.StreamChunk) {
	go func() {
		for range ch {
		}
	}()
}
