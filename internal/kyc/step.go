package kyc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seenimoa/efundkyc/internal/llm"
)

// StepName identifies a workflow step in emitted chunks and logs.
type StepName string

const (
	StepCollectBasicInfo        StepName = "collect_basic_info"
	StepCollectPreferences      StepName = "collect_investment_preferences"
	StepAssessRiskProfile       StepName = "assess_risk_profile"
	StepGenerateCustomerProfile StepName = "generate_customer_profile"
)

// Steps lists the workflow steps in execution order.
var Steps = []StepName{
	StepCollectBasicInfo,
	StepCollectPreferences,
	StepAssessRiskProfile,
	StepGenerateCustomerProfile,
}

// StreamingChunk is one fragment of a step's live model output. The last
// chunk of every step is "\n" with IsComplete set.
type StreamingChunk struct {
	Chunk      string   `json:"chunk"`
	StepName   StepName `json:"step_name"`
	IsComplete bool     `json:"is_complete"`
}

// ErrEmitStopped wraps an error returned by an Emitter. It ends the run
// instead of triggering a step default.
var ErrEmitStopped = errors.New("kyc: chunk consumer stopped")

// Emitter receives chunks as they are produced. A non-nil error stops the
// step; it is how a consumer that went away halts the run.
type Emitter func(StreamingChunk) error

// StepExecutor runs one streaming model call on behalf of a step.
type StepExecutor struct {
	model llm.Completer
}

// NewStepExecutor returns an executor backed by model.
func NewStepExecutor(model llm.Completer) *StepExecutor {
	return &StepExecutor{model: model}
}

// Run streams prompt through the model, emitting each non-empty fragment in
// arrival order, then one completion chunk. The completion chunk is emitted
// even when the model call fails, so every step a consumer has seen start is
// also seen to end; the error still reaches the caller. Run returns the trimmed concatenation of
// all fragments; model errors are returned unchanged and emit errors are
// wrapped in ErrEmitStopped.
func (x *StepExecutor) Run(ctx context.Context, step StepName, prompt string, emit Emitter) (string, error) {
	text, modelErr, emitErr := x.stream(ctx, step, prompt, emit)
	if emitErr != nil {
		return text, fmt.Errorf("%w: %w", ErrEmitStopped, emitErr)
	}
	if err := emit(StreamingChunk{Chunk: "\n", StepName: step, IsComplete: true}); err != nil {
		return text, fmt.Errorf("%w: %w", ErrEmitStopped, err)
	}
	return text, modelErr
}

func (x *StepExecutor) stream(ctx context.Context, step StepName, prompt string, emit Emitter) (text string, modelErr, emitErr error) {
	ch, err := x.model.StreamComplete(ctx, prompt)
	if err != nil {
		return "", err, nil
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return strings.TrimSpace(sb.String()), ctx.Err(), nil
		case chunk, ok := <-ch:
			if !ok {
				return strings.TrimSpace(sb.String()), nil, nil
			}
			if chunk.Err != nil {
				return strings.TrimSpace(sb.String()), chunk.Err, nil
			}
			if chunk.Content != "" {
				sb.WriteString(chunk.Content)
				if err := emit(StreamingChunk{Chunk: chunk.Content, StepName: step}); err != nil {
					return strings.TrimSpace(sb.String()), nil, err
				}
			}
			if chunk.Done {
				return strings.TrimSpace(sb.String()), nil, nil
			}
		}
	}
}
