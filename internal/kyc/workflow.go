package kyc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent/prompts"
	"github.com/seenimoa/efundkyc/internal/jsonx"
	"github.com/seenimoa/efundkyc/internal/llm"
	"github.com/seenimoa/efundkyc/internal/metrics"
)

// ProfileErrorMessage is the user-facing message of a failed final step.
const ProfileErrorMessage = "生成客户画像时发生错误"

// DefaultTimeout is the wall-clock budget of one run.
const DefaultTimeout = 120 * time.Second

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Templates renders step prompts and can confirm up front that every
// template a run needs exists. *prompts.Catalog satisfies it.
type Templates interface {
	prompts.Renderer
	Require(ids ...string) error
}

// ── State ──

// WorkflowState accumulates step outputs. Each step returns a copy with one
// more field set and never changes the fields it was given. The outputs
// are shared by pointer and must be treated as immutable.
type WorkflowState struct {
	UserInput            string
	CustomerID           *string
	BasicInfo            *BasicInfo
	InvestmentPreference *InvestmentPreference
	RiskProfile          *RiskProfile
}

// NewState starts a run. An empty customerID means none was given.
func NewState(userInput, customerID string) WorkflowState {
	st := WorkflowState{UserInput: userInput}
	if customerID != "" {
		st.CustomerID = ptr(customerID)
	}
	return st
}

func (s WorkflowState) customerID() string {
	if s.CustomerID == nil {
		return ""
	}
	return *s.CustomerID
}

// ── Events ──

// EventKind discriminates Event.
type EventKind string

const (
	EventChunk  EventKind = "chunk"
	EventResult EventKind = "result"
)

// Event is one item of a run's stream: exactly one of Chunk or Result is set,
// as named by Kind. The Result event is always last.
type Event struct {
	Kind   EventKind       `json:"kind"`
	Chunk  *StreamingChunk `json:"chunk,omitempty"`
	Result *Result         `json:"result,omitempty"`
}

// Result is the terminal outcome of a run.
type Result struct {
	Status          string           `json:"status"`
	CustomerProfile *CustomerProfile `json:"customer_profile,omitempty"`
	Recommendation  string           `json:"recommendation,omitempty"`
	Error           string           `json:"error,omitempty"`
	Message         string           `json:"message,omitempty"`
}

// Handle is a single in-flight run. Its event stream can be read once.
type Handle struct {
	events chan Event

	mu  sync.Mutex
	err error
}

// NewHandle returns a handle that replays events that were already
// produced, for workflows that do not stream.
func NewHandle(events ...Event) *Handle {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &Handle{events: ch}
}

// Events returns the run's event stream. The channel is closed after the
// Result event, or early if the run is abandoned. Reading it drives the
// run; a caller that stops reading must cancel the run's context.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Err reports why the run ended without a Result, typically a context
// error. It is meaningful once Events is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Drain reads h to the end, passing each chunk to onChunk (which may be
// nil), and returns the terminal Result. If onChunk fails, later chunks are
// discarded and its first error is returned after the run ends.
func Drain(h *Handle, onChunk func(StreamingChunk) error) (*Result, error) {
	var (
		result   *Result
		chunkErr error
	)
	for ev := range h.Events() {
		switch ev.Kind {
		case EventChunk:
			if onChunk != nil && chunkErr == nil {
				chunkErr = onChunk(*ev.Chunk)
			}
		case EventResult:
			result = ev.Result
		}
	}
	if err := h.Err(); err != nil {
		return result, err
	}
	if chunkErr != nil {
		return result, chunkErr
	}
	if result == nil {
		return nil, errors.New("kyc: run ended without a result")
	}
	return result, nil
}

// ── Engine ──

// Engine runs the four-step KYC workflow. An Engine holds no per-run state;
// the caller keeps one per conversation so runs are not interleaved.
type Engine struct {
	executor  *StepExecutor
	templates Templates
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	timeout   time.Duration
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the collectors that runs and steps report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTimeout sets the per-run wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithTracer sets the tracer used for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock sets the time source for CustomerProfile.CollectedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds an engine. It fails with prompts.ErrTemplateNotFound if
// any step template is missing, since no run could proceed without it.
func NewEngine(model llm.Completer, templates Templates, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("kyc: nil model")
	}
	if templates == nil {
		return nil, errors.New("kyc: nil templates")
	}
	if err := templates.Require(prompts.WorkflowTemplates...); err != nil {
		return nil, fmt.Errorf("kyc: %w", err)
	}
	e := &Engine{
		executor:  NewStepExecutor(model),
		templates: templates,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/seenimoa/efundkyc/internal/kyc"),
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run starts a workflow for userInput. customerID may be empty.
func (e *Engine) Run(ctx context.Context, userInput, customerID string) *Handle {
	h := &Handle{events: make(chan Event)}
	go e.run(ctx, h, userInput, customerID)
	return h
}

func (e *Engine) run(ctx context.Context, h *Handle, userInput, customerID string) {
	defer close(h.events)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "kyc.workflow", trace.WithAttributes(
		attribute.String("customer_id", customerID),
	))
	defer span.End()

	emit := func(c StreamingChunk) error {
		select {
		case h.events <- Event{Kind: EventChunk, Chunk: &c}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	abort := func(err error) {
		e.logger.Warn("kyc workflow abandoned", zap.String("customer_id", customerID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "abandoned")
		e.metrics.ObserveRun("abandoned")
		h.fail(err)
	}

	st := NewState(userInput, customerID)
	steps := []func(context.Context, WorkflowState, Emitter) (WorkflowState, error){
		e.CollectBasicInfo,
		e.CollectInvestmentPreferences,
		e.AssessRiskProfile,
	}
	for _, step := range steps {
		var err error
		if st, err = step(ctx, st, emit); err != nil {
			abort(err)
			return
		}
		if err := ctx.Err(); err != nil {
			abort(err)
			return
		}
	}

	result, err := e.GenerateCustomerProfile(ctx, st, emit)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		abort(err)
		return
	}

	select {
	case h.events <- Event{Kind: EventResult, Result: result}:
	case <-ctx.Done():
		abort(ctx.Err())
		return
	}
	if result.Status == StatusError {
		span.SetStatus(codes.Error, result.Error)
	}
	e.metrics.ObserveRun(result.Status)
}

// ── Steps ──
//
// Each step takes the accumulated state and returns it with its own output
// added. Template, model, parse, and validation failures are absorbed into
// the step's default. A returned error means the chunk consumer stopped and the
// run must end.

// CollectBasicInfo extracts BasicInfo from the raw user text.
func (e *Engine) CollectBasicInfo(ctx context.Context, st WorkflowState, emit Emitter) (WorkflowState, error) {
	info := fieldBasicInfo()
	err := e.extract(ctx, StepCollectBasicInfo, prompts.BasicInfoExtraction, map[string]any{
		prompts.KeyUserContext: st.UserInput,
	}, emit, info)
	if err != nil {
		if errors.Is(err, ErrEmitStopped) {
			return st, err
		}
		e.fallback(StepCollectBasicInfo, st, err)
		info = DefaultBasicInfo()
	}

	next := st
	next.BasicInfo = info
	e.logger.Info("collected basic info", zap.String("customer_id", st.customerID()))
	return next, nil
}

// CollectInvestmentPreferences infers InvestmentPreference from BasicInfo
// and the original text.
func (e *Engine) CollectInvestmentPreferences(ctx context.Context, st WorkflowState, emit Emitter) (WorkflowState, error) {
	pref := fieldInvestmentPreference()
	err := e.extract(ctx, StepCollectPreferences, prompts.InvestmentPreferenceExtraction, map[string]any{
		prompts.KeyBasicInfo: st.BasicInfo.Projection(),
		prompts.KeyUserInput: st.UserInput,
	}, emit, pref)
	if err != nil {
		if errors.Is(err, ErrEmitStopped) {
			return st, err
		}
		e.fallback(StepCollectPreferences, st, err)
		pref = DefaultInvestmentPreference()
	}

	next := st
	next.InvestmentPreference = pref
	e.logger.Info("collected investment preferences", zap.String("customer_id", st.customerID()))
	return next, nil
}

// AssessRiskProfile grades the customer from BasicInfo and
// InvestmentPreference.
func (e *Engine) AssessRiskProfile(ctx context.Context, st WorkflowState, emit Emitter) (WorkflowState, error) {
	risk := fieldRiskProfile()
	err := e.extract(ctx, StepAssessRiskProfile, prompts.RiskAssessment, map[string]any{
		prompts.KeyBasicInfo:            st.BasicInfo.Projection(),
		prompts.KeyInvestmentPreference: st.InvestmentPreference.Projection(),
	}, emit, risk)
	if err != nil {
		if errors.Is(err, ErrEmitStopped) {
			return st, err
		}
		e.fallback(StepAssessRiskProfile, st, err)
		risk = DefaultRiskProfile()
	}

	next := st
	next.RiskProfile = risk
	e.logger.Info("assessed risk profile",
		zap.String("customer_id", st.customerID()),
		zap.Float64("risk_score", risk.RiskScore),
		zap.String("risk_level", string(risk.RiskLevel)),
	)
	return next, nil
}

// GenerateCustomerProfile builds the CustomerProfile and streams the
// recommendation. The recommendation is free text and is not parsed. A
// failure here yields an error Result rather than a default.
func (e *Engine) GenerateCustomerProfile(ctx context.Context, st WorkflowState, emit Emitter) (*Result, error) {
	step := StepGenerateCustomerProfile
	ctx, span := e.tracer.Start(ctx, "kyc."+string(step))
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.ObserveStep(string(step), time.Since(start)) }()

	profile := &CustomerProfile{
		CustomerID:           st.CustomerID,
		BasicInfo:            st.BasicInfo,
		InvestmentPreference: st.InvestmentPreference,
		RiskProfile:          st.RiskProfile,
		CollectedAt:          e.now().UTC(),
	}

	prompt, err := e.templates.Render(prompts.RecommendationSynthesis, map[string]any{
		prompts.KeyBasicInfo:            st.BasicInfo.Projection(),
		prompts.KeyInvestmentPreference: st.InvestmentPreference.Projection(),
		prompts.KeyRiskProfile:          st.RiskProfile.Projection(),
	})
	if err != nil {
		return e.profileError(span, st, err), nil
	}

	text, err := e.executor.Run(ctx, step, prompt, emit)
	if errors.Is(err, ErrEmitStopped) {
		return nil, err
	}
	if err != nil {
		return e.profileError(span, st, err), nil
	}

	e.logger.Info("generated customer profile", zap.String("customer_id", st.customerID()))
	return &Result{
		Status:          StatusCompleted,
		CustomerProfile: profile,
		Recommendation:  text,
	}, nil
}

func (e *Engine) profileError(span trace.Span, st WorkflowState, err error) *Result {
	e.logger.Error("generate customer profile failed",
		zap.String("customer_id", st.customerID()),
		zap.Error(err),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.metrics.ObserveFallback(string(StepGenerateCustomerProfile), failureReason(err))
	return &Result{
		Status:  StatusError,
		Error:   err.Error(),
		Message: ProfileErrorMessage,
	}
}

// extract renders tmpl, streams it through the model, and decodes the
// parsed JSON into dst, which holds the per-field defaults.
func (e *Engine) extract(ctx context.Context, step StepName, tmpl string, vars map[string]any, emit Emitter, dst any) error {
	ctx, span := e.tracer.Start(ctx, "kyc."+string(step))
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.ObserveStep(string(step), time.Since(start)) }()

	err := func() error {
		prompt, err := e.templates.Render(tmpl, vars)
		if err != nil {
			return err
		}
		text, err := e.executor.Run(ctx, step, prompt, emit)
		if err != nil {
			return err
		}
		data, err := jsonx.Extract(text)
		if err != nil {
			return err
		}
		return decodeInto(data, dst)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// fallback logs and counts a step that is about to use its default.
func (e *Engine) fallback(step StepName, st WorkflowState, err error) {
	reason := failureReason(err)
	e.logger.Warn("kyc step failed, using defaults",
		zap.String("step", string(step)),
		zap.String("customer_id", st.customerID()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	e.metrics.ObserveFallback(string(step), reason)
}

func failureReason(err error) string {
	var execErr template.ExecError
	switch {
	case errors.Is(err, jsonx.ErrParse):
		return "parse"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, prompts.ErrTemplateNotFound), errors.As(err, &execErr):
		return "template"
	default:
		return "model"
	}
}
