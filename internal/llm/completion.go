package llm

import "context"

// Completer is the prompt-in, text-out view of a model used by the
// workflow steps and the intent router.
type Completer interface {
	// Complete returns the full model response to prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// StreamComplete returns a channel of response fragments in arrival
	// order. The channel is closed when the response ends; a chunk with a
	// non-nil Err ends the stream early.
	StreamComplete(ctx context.Context, prompt string) (<-chan StreamChunk, error)
}

// ProviderCompleter adapts an LLMProvider to Completer by sending each
// prompt as a single user message.
type ProviderCompleter struct {
	provider LLMProvider
	opts     *ChatOptions
}

// NewCompleter wraps provider. opts may be nil.
func NewCompleter(provider LLMProvider, opts *ChatOptions) *ProviderCompleter {
	return &ProviderCompleter{provider: provider, opts: opts}
}

// Complete implements Completer.
func (c *ProviderCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.provider.Chat(ctx, []Message{UserMessage(prompt)}, c.options())
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// StreamComplete implements Completer.
func (c *ProviderCompleter) StreamComplete(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	return c.provider.ChatStream(ctx, []Message{UserMessage(prompt)}, c.options())
}

func (c *ProviderCompleter) options() *ChatOptions {
	if c.opts == nil {
		return nil
	}
	o := *c.opts
	return &o
}
