package kyc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seenimoa/efundkyc/internal/agent/prompts"
	"github.com/seenimoa/efundkyc/internal/llm"
	"github.com/seenimoa/efundkyc/internal/metrics"
)

// ── Fake templates ──

// fakeTemplates renders "[id]" followed by the JSON context, so a mockModel
// can answer per step by matching the bracketed ID.
type fakeTemplates struct {
	mu        sync.Mutex
	missing   map[string]bool
	renderErr map[string]error
	vars      map[string]map[string]any
}

func (f *fakeTemplates) Render(id string, vars map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vars == nil {
		f.vars = make(map[string]map[string]any)
	}
	f.vars[id] = vars
	if err := f.renderErr[id]; err != nil {
		return "", err
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", err
	}
	return "[" + id + "]\n" + string(b), nil
}

func (f *fakeTemplates) Require(ids ...string) error {
	for _, id := range ids {
		if f.missing[id] {
			return fmt.Errorf("%w: %s", prompts.ErrTemplateNotFound, id)
		}
	}
	return nil
}

func key(id string) string { return "[" + id + "]" }

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CST", 8*3600))

func newTestEngine(t *testing.T, model llm.Completer, tmpl Templates, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	e, err := NewEngine(model, tmpl, opts...)
	require.NoError(t, err)
	return e
}

func fenced(s string) []string {
	return []string{"好的，结果如下：\n```json\n", s, "\n```"}
}

// ════════════════════════════════════════════════════════════════════
// Construction
// ════════════════════════════════════════════════════════════════════

func TestNewEngineMissingTemplateIsFatal(t *testing.T) {
	tmpl := &fakeTemplates{missing: map[string]bool{prompts.RiskAssessment: true}}
	_, err := NewEngine(&mockModel{}, tmpl)
	require.Error(t, err)
	assert.ErrorIs(t, err, prompts.ErrTemplateNotFound)
	assert.Contains(t, err.Error(), prompts.RiskAssessment)
}

func TestNewEngineNilArgs(t *testing.T) {
	_, err := NewEngine(nil, &fakeTemplates{})
	assert.Error(t, err)
	_, err = NewEngine(&mockModel{}, nil)
	assert.Error(t, err)
}

func TestNewEngineWithBuiltinCatalog(t *testing.T) {
	_, err := NewEngine(&mockModel{}, prompts.MustDefault())
	assert.NoError(t, err)
}

// ════════════════════════════════════════════════════════════════════
// Step 1: collect_basic_info
// ════════════════════════════════════════════════════════════════════

func TestCollectBasicInfoParsesModelOutput(t *testing.T) {
	tmpl := &fakeTemplates{}
	model := &mockModel{replies: map[string]reply{
		key(prompts.BasicInfoExtraction): {chunks: fenced(`{"age": 42, "city": "上海", "marital_status": "divorced", "employment_status": "self_employed", "annual_income": 350000, "education_level": "硕士"}`)},
	}}
	e := newTestEngine(t, model, tmpl)

	var c collector
	st, err := e.CollectBasicInfo(context.Background(), NewState("我42岁", "c-1"), c.emit)
	require.NoError(t, err)
	require.NotNil(t, st.BasicInfo)

	b := st.BasicInfo
	assert.Equal(t, 42, b.Age)
	assert.Equal(t, "上海", b.City)
	assert.Equal(t, MaritalDivorced, b.MaritalStatus)
	assert.Equal(t, EmploymentSelfEmployed, b.EmploymentStatus)
	require.NotNil(t, b.AnnualIncome)
	assert.Equal(t, 350000.0, *b.AnnualIncome)
	require.NotNil(t, b.EducationLevel)
	assert.Equal(t, "硕士", *b.EducationLevel)
	assert.Equal(t, 0, b.Dependents, "missing key keeps its default")

	assert.Equal(t, map[string]any{prompts.KeyUserContext: "我42岁"}, tmpl.vars[prompts.BasicInfoExtraction])
	assert.True(t, c.chunks[len(c.chunks)-1].IsComplete)
	for _, ch := range c.chunks {
		assert.Equal(t, StepCollectBasicInfo, ch.StepName)
	}
}

func TestCollectBasicInfoMissingKeysUseFieldDefaults(t *testing.T) {
	model := &mockModel{fallback: reply{chunks: []string{`{"age": 55, "city": null}`}}}
	e := newTestEngine(t, model, &fakeTemplates{})

	st, err := e.CollectBasicInfo(context.Background(), NewState("x", ""), (&collector{}).emit)
	require.NoError(t, err)
	want := DefaultBasicInfo()
	want.Age = 55
	assert.Equal(t, want, st.BasicInfo)
}

func TestCollectBasicInfoFallsBackToDefault(t *testing.T) {
	tests := map[string]reply{
		"parse error":          {chunks: []string{"抱歉，我无法提取信息。"}},
		"model error":          {openErr: llm.ErrProviderDown},
		"stream error":         {chunks: []string{`{"age": 40`}, streamErr: llm.ErrRateLimit},
		"invalid enum":         {chunks: []string{`{"age": 35, "marital_status": "complicated"}`}},
		"age out of range":     {chunks: []string{`{"age": 12}`}},
		"wrong type":           {chunks: []string{`{"age": "thirty-five"}`}},
		"empty city":           {chunks: []string{`{"city": ""}`}},
		"negative income":      {chunks: []string{`{"annual_income": -1}`}},
		"not an object":        {chunks: []string{`[1, 2, 3]`}},
		"empty response":       {},
		"invalid employment":   {chunks: []string{`{"employment_status": "astronaut"}`}},
		"negative dependents":  {chunks: []string{`{"dependents": -2}`}},
		"fractional age":       {chunks: []string{`{"age": 35.5}`}},
		"nested braces prose":  {chunks: []string{`note {"a": "{"} done`}},
		"unterminated object":  {chunks: []string{`{"age": 35, "city": "北京"`}},
		"string dependents":    {chunks: []string{`{"dependents": "two"}`}},
		"object marital":       {chunks: []string{`{"marital_status": {"v": "married"}}`}},
		"boolean annualincome": {chunks: []string{`{"annual_income": true}`}},
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, &mockModel{fallback: r}, &fakeTemplates{})
			st, err := e.CollectBasicInfo(context.Background(), NewState("x", ""), (&collector{}).emit)
			require.NoError(t, err)
			assert.Equal(t, DefaultBasicInfo(), st.BasicInfo)
		})
	}
}

func TestCollectBasicInfoRenderErrorFallsBack(t *testing.T) {
	tmpl := &fakeTemplates{renderErr: map[string]error{prompts.BasicInfoExtraction: errors.New("boom")}}
	model := &mockModel{}
	e := newTestEngine(t, model, tmpl)

	var c collector
	st, err := e.CollectBasicInfo(context.Background(), NewState("x", ""), c.emit)
	require.NoError(t, err)
	assert.Equal(t, DefaultBasicInfo(), st.BasicInfo)
	assert.Zero(t, model.callCount(), "no model call without a prompt")
	assert.Empty(t, c.chunks)
}

// ════════════════════════════════════════════════════════════════════
// Steps 2 and 3
// ════════════════════════════════════════════════════════════════════

func TestCollectAcceptsNumericStrings(t *testing.T) {
	model := &mockModel{replies: map[string]reply{
		key(prompts.BasicInfoExtraction):            {chunks: []string{`{"age": "35", "city": "北京", "marital_status": "married", "annual_income": " 500000 ", "dependents": "2"}`}},
		key(prompts.InvestmentPreferenceExtraction): {chunks: []string{`{"investable_assets": "200000.5", "max_loss_tolerance": "20", "investment_horizon_years": "5", "risk_tolerance": "moderate"}`}},
		key(prompts.RiskAssessment):                 {chunks: []string{`{"risk_score": "72.5", "risk_level": "balanced"}`}},
	}}
	e := newTestEngine(t, model, &fakeTemplates{})
	ctx := context.Background()

	st, err := e.CollectBasicInfo(ctx, NewState("x", ""), (&collector{}).emit)
	require.NoError(t, err)
	b := st.BasicInfo
	assert.Equal(t, 35, b.Age)
	assert.Equal(t, "北京", b.City)
	assert.Equal(t, MaritalMarried, b.MaritalStatus)
	require.NotNil(t, b.AnnualIncome)
	assert.Equal(t, 500000.0, *b.AnnualIncome)
	assert.Equal(t, 2, b.Dependents)

	st, err = e.CollectInvestmentPreferences(ctx, st, (&collector{}).emit)
	require.NoError(t, err)
	p := st.InvestmentPreference
	assert.Equal(t, 200000.5, p.InvestableAssets)
	assert.Equal(t, 20.0, p.MaxLossTolerance)
	assert.Equal(t, 5, p.InvestmentHorizonYears)
	assert.Equal(t, RiskModerate, p.RiskTolerance)

	st, err = e.AssessRiskProfile(ctx, st, (&collector{}).emit)
	require.NoError(t, err)
	assert.Equal(t, 72.5, st.RiskProfile.RiskScore)
	assert.Equal(t, RiskBalanced, st.RiskProfile.RiskLevel)
}

func TestCollectNumericStringsStillValidated(t *testing.T) {
	tests := map[string]string{
		"age below range":   `{"age": "12"}`,
		"fractional age":    `{"age": "35.5"}`,
		"blank age":         `{"age": "  "}`,
		"negative income":   `{"annual_income": "-1"}`,
		"not a number":      `{"dependents": "two"}`,
		"not a finite number": `{"age": "NaN"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, &mockModel{fallback: reply{chunks: []string{body}}}, &fakeTemplates{})
			st, err := e.CollectBasicInfo(context.Background(), NewState("x", ""), (&collector{}).emit)
			require.NoError(t, err)
			assert.Equal(t, DefaultBasicInfo(), st.BasicInfo)
		})
	}
}

func TestCollectInvestmentPreferences(t *testing.T) {
	tmpl := &fakeTemplates{}
	model := &mockModel{fallback: reply{chunks: fenced(`{"investable_assets": 500000, "max_loss_tolerance": 15, "investment_horizon_years": 10, "risk_tolerance": "balanced", "investment_goals": ["养老", "子女教育"], "liquidity_needs": "每年提取5万"}`)}}
	e := newTestEngine(t, model, tmpl)

	start := NewState("我有50万可以投资", "")
	start.BasicInfo = DefaultBasicInfo()
	st, err := e.CollectInvestmentPreferences(context.Background(), start, (&collector{}).emit)
	require.NoError(t, err)

	p := st.InvestmentPreference
	require.NotNil(t, p)
	assert.Equal(t, 500000.0, p.InvestableAssets)
	assert.Equal(t, 15.0, p.MaxLossTolerance)
	assert.Equal(t, 10, p.InvestmentHorizonYears)
	assert.Equal(t, RiskBalanced, p.RiskTolerance)
	assert.Equal(t, []string{"养老", "子女教育"}, p.InvestmentGoals)
	assert.Equal(t, []string{}, p.PreferredInvestmentTypes)
	require.NotNil(t, p.LiquidityNeeds)

	vars := tmpl.vars[prompts.InvestmentPreferenceExtraction]
	assert.Equal(t, "我有50万可以投资", vars[prompts.KeyUserInput])
	assert.Equal(t, start.BasicInfo.Projection(), vars[prompts.KeyBasicInfo])
}

func TestCollectInvestmentPreferencesFallsBack(t *testing.T) {
	tests := map[string]reply{
		"invalid risk tolerance": {chunks: []string{`{"risk_tolerance": "yolo"}`}},
		"loss over 100":          {chunks: []string{`{"max_loss_tolerance": 150}`}},
		"zero horizon":           {chunks: []string{`{"investment_horizon_years": 0}`}},
		"goals not a list":       {chunks: []string{`{"investment_goals": "retire"}`}},
		"model error":            {openErr: llm.ErrNoAPIKey},
		"no json":                {chunks: []string{"not json at all"}},
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, &mockModel{fallback: r}, &fakeTemplates{})
			st, err := e.CollectInvestmentPreferences(context.Background(), NewState("x", ""), (&collector{}).emit)
			require.NoError(t, err)
			assert.Equal(t, DefaultInvestmentPreference(), st.InvestmentPreference)
		})
	}
}

func TestAssessRiskProfile(t *testing.T) {
	tmpl := &fakeTemplates{}
	model := &mockModel{fallback: reply{chunks: []string{`{"risk_score": 72.5, "risk_level": "aggressive", "risk_factors": ["收入稳定", "投资期限长"]}`}}}
	e := newTestEngine(t, model, tmpl)

	start := NewState("x", "")
	start.BasicInfo = DefaultBasicInfo()
	start.InvestmentPreference = DefaultInvestmentPreference()
	st, err := e.AssessRiskProfile(context.Background(), start, (&collector{}).emit)
	require.NoError(t, err)

	r := st.RiskProfile
	require.NotNil(t, r)
	assert.Equal(t, 72.5, r.RiskScore)
	assert.Equal(t, RiskAggressive, r.RiskLevel)
	assert.Equal(t, []string{"收入稳定", "投资期限长"}, r.RiskFactors)
	assert.Nil(t, r.SuitabilityNotes, "parsed profile without notes has none")

	vars := tmpl.vars[prompts.RiskAssessment]
	assert.Contains(t, vars, prompts.KeyBasicInfo)
	assert.Contains(t, vars, prompts.KeyInvestmentPreference)
}

func TestAssessRiskProfileFallsBack(t *testing.T) {
	tests := map[string]reply{
		"score over 100":     {chunks: []string{`{"risk_score": 101}`}},
		"invalid risk level": {chunks: []string{`{"risk_level": "extreme"}`}},
		"parse error":        {chunks: []string{"{broken"}},
		"model error":        {openErr: llm.ErrProviderDown},
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, &mockModel{fallback: r}, &fakeTemplates{})
			st, err := e.AssessRiskProfile(context.Background(), NewState("x", ""), (&collector{}).emit)
			require.NoError(t, err)
			assert.Equal(t, DefaultRiskProfile(), st.RiskProfile)
		})
	}
}

func TestDefaultObjects(t *testing.T) {
	b := DefaultBasicInfo()
	assert.Equal(t, &BasicInfo{Age: 30, City: "Unknown", MaritalStatus: MaritalSingle, EmploymentStatus: EmploymentEmployed}, b)
	assert.NoError(t, Validate(b))

	p := DefaultInvestmentPreference()
	assert.Equal(t, 100000.0, p.InvestableAssets)
	assert.Equal(t, 10.0, p.MaxLossTolerance)
	assert.Equal(t, 5, p.InvestmentHorizonYears)
	assert.Equal(t, RiskModerate, p.RiskTolerance)
	assert.Nil(t, p.LiquidityNeeds)
	assert.NoError(t, Validate(p))

	r := DefaultRiskProfile()
	assert.Equal(t, 50.0, r.RiskScore)
	assert.Equal(t, RiskModerate, r.RiskLevel)
	assert.Equal(t, []string{"insufficient information"}, r.RiskFactors)
	require.NotNil(t, r.SuitabilityNotes)
	assert.Equal(t, "insufficient information; recommend further consultation", *r.SuitabilityNotes)
	assert.NoError(t, Validate(r))

	// each call returns a fresh object
	assert.NotSame(t, DefaultBasicInfo(), DefaultBasicInfo())
}

// ════════════════════════════════════════════════════════════════════
// Step 4: generate_customer_profile
// ════════════════════════════════════════════════════════════════════

func TestGenerateCustomerProfile(t *testing.T) {
	tmpl := &fakeTemplates{}
	model := &mockModel{fallback: reply{chunks: []string{"建议配置", "60%债券基金", "。"}}}
	e := newTestEngine(t, model, tmpl)

	st := NewState("x", "cust-9")
	st.BasicInfo = DefaultBasicInfo()
	st.InvestmentPreference = DefaultInvestmentPreference()
	st.RiskProfile = DefaultRiskProfile()

	var c collector
	res, err := e.GenerateCustomerProfile(context.Background(), st, c.emit)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "建议配置60%债券基金。", res.Recommendation)

	p := res.CustomerProfile
	require.NotNil(t, p)
	require.NotNil(t, p.CustomerID)
	assert.Equal(t, "cust-9", *p.CustomerID)
	assert.Same(t, st.BasicInfo, p.BasicInfo)
	assert.Same(t, st.RiskProfile, p.RiskProfile)
	assert.Equal(t, fixedNow.UTC(), p.CollectedAt)
	assert.Equal(t, time.UTC, p.CollectedAt.Location())

	vars := tmpl.vars[prompts.RecommendationSynthesis]
	assert.Len(t, vars, 3)
	assert.Len(t, c.chunks, 4)
}

func TestGenerateCustomerProfileModelError(t *testing.T) {
	e := newTestEngine(t, &mockModel{fallback: reply{openErr: llm.ErrProviderDown}}, &fakeTemplates{})

	var c collector
	res, err := e.GenerateCustomerProfile(context.Background(), NewState("x", ""), c.emit)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ProfileErrorMessage, res.Message)
	assert.Contains(t, res.Error, "provider unavailable")
	assert.Nil(t, res.CustomerProfile)
	require.Len(t, c.chunks, 1)
	assert.True(t, c.chunks[0].IsComplete)
}

func TestGenerateCustomerProfileRenderError(t *testing.T) {
	tmpl := &fakeTemplates{renderErr: map[string]error{prompts.RecommendationSynthesis: errors.New("bad template")}}
	e := newTestEngine(t, &mockModel{}, tmpl)

	res, err := e.GenerateCustomerProfile(context.Background(), NewState("x", ""), (&collector{}).emit)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "bad template", res.Error)
}

// ════════════════════════════════════════════════════════════════════
// Whole runs
// ════════════════════════════════════════════════════════════════════

func TestStateIsAdditive(t *testing.T) {
	model := &mockModel{replies: map[string]reply{
		key(prompts.BasicInfoExtraction):            {chunks: []string{`{"age": 35, "city": "北京"}`}},
		key(prompts.InvestmentPreferenceExtraction): {chunks: []string{`{"risk_tolerance": "aggressive"}`}},
		key(prompts.RiskAssessment):                 {chunks: []string{`{"risk_score": 80, "risk_level": "aggressive"}`}},
	}}
	e := newTestEngine(t, model, &fakeTemplates{})
	ctx := context.Background()
	emit := (&collector{}).emit

	s0 := NewState("我35岁", "c-2")
	s1, err := e.CollectBasicInfo(ctx, s0, emit)
	require.NoError(t, err)
	basicCopy := *s1.BasicInfo

	s2, err := e.CollectInvestmentPreferences(ctx, s1, emit)
	require.NoError(t, err)
	prefCopy := *s2.InvestmentPreference

	s3, err := e.AssessRiskProfile(ctx, s2, emit)
	require.NoError(t, err)

	// earlier states are untouched
	assert.Nil(t, s0.BasicInfo)
	assert.Nil(t, s1.InvestmentPreference)
	assert.Nil(t, s2.RiskProfile)

	// later states carry every earlier field unchanged
	for _, s := range []WorkflowState{s1, s2, s3} {
		assert.Equal(t, "我35岁", s.UserInput)
		assert.Equal(t, s0.CustomerID, s.CustomerID)
		assert.Same(t, s1.BasicInfo, s.BasicInfo)
		assert.Equal(t, basicCopy, *s.BasicInfo)
	}
	assert.Same(t, s2.InvestmentPreference, s3.InvestmentPreference)
	assert.Equal(t, prefCopy, *s3.InvestmentPreference)
	assert.NotNil(t, s3.RiskProfile)
}

func TestRunEmitsStepsInOrderAndResultLast(t *testing.T) {
	model := &mockModel{replies: map[string]reply{
		key(prompts.BasicInfoExtraction):            {chunks: []string{`{"age": 35,`, ` "city": "北京"}`}},
		key(prompts.InvestmentPreferenceExtraction): {chunks: []string{`{}`}},
		key(prompts.RiskAssessment):                 {},
		key(prompts.RecommendationSynthesis):        {chunks: []string{"建议", "稳健配置"}},
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newTestEngine(t, model, &fakeTemplates{}, WithMetrics(m))

	var events []Event
	for ev := range e.Run(context.Background(), "我35岁，住在北京", "").Events() {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Kind)
	require.NotNil(t, last.Result)
	assert.Equal(t, StatusCompleted, last.Result.Status)
	assert.Equal(t, "建议稳健配置", last.Result.Recommendation)
	assert.Nil(t, last.Result.CustomerProfile.CustomerID)

	var order []StepName
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventChunk, ev.Kind)
		require.Nil(t, ev.Result)
		if ev.Chunk.IsComplete {
			order = append(order, ev.Chunk.StepName)
			assert.Equal(t, "\n", ev.Chunk.Chunk)
		}
	}
	assert.Equal(t, Steps, order)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowRuns.WithLabelValues(StatusCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepFallbacks.WithLabelValues(string(StepAssessRiskProfile), "parse")))
}

func TestRunCompletesWhenEveryModelCallFails(t *testing.T) {
	e := newTestEngine(t, &mockModel{fallback: reply{openErr: llm.ErrProviderDown}}, &fakeTemplates{})

	var completions int
	res, err := Drain(e.Run(context.Background(), "hello", "c-3"), func(c StreamingChunk) error {
		if c.IsComplete {
			completions++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, completions)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ProfileErrorMessage, res.Message)
	assert.NotEmpty(t, res.Error)
}

func TestRunAbandonedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(t, blockingModel{}, &fakeTemplates{})

	h := e.Run(ctx, "x", "")
	cancel()
	res, err := Drain(h, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunTimeout(t *testing.T) {
	e := newTestEngine(t, blockingModel{}, &fakeTemplates{}, WithTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := Drain(e.Run(context.Background(), "x", ""), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDrainChunkErrorStillReturnsResult(t *testing.T) {
	e := newTestEngine(t, &mockModel{fallback: reply{chunks: []string{"x"}}}, &fakeTemplates{})
	stop := errors.New("write failed")
	calls := 0

	res, err := Drain(e.Run(context.Background(), "x", ""), func(StreamingChunk) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
	require.NotNil(t, res)
	assert.Equal(t, StatusCompleted, res.Status)
}

// End-to-end over the built-in prompt catalogue.
func TestRunEndToEndWithBuiltinPrompts(t *testing.T) {
	model := &mockModel{replies: map[string]reply{
		"负责客户身份与背景信息采集": {chunks: fenced(`{"age": 35, "city": "北京", "marital_status": "married", "employment_status": "employed", "annual_income": null, "education_level": null, "dependents": 0}`)},
		"推断其投资偏好":       {chunks: fenced(`{"investable_assets": 300000, "max_loss_tolerance": 20, "investment_horizon_years": 8, "risk_tolerance": "balanced", "investment_goals": ["财富增值"], "preferred_investment_types": ["基金"]}`)},
		"风险评估专家":        {chunks: fenced(`{"risk_score": 62, "risk_level": "balanced", "risk_factors": ["已婚", "工程师收入稳定"], "suitability_notes": "适合平衡型产品"}`)},
		"资深的基金投资顾问":     {chunks: []string{"根据您的情况，", "建议采用平衡型配置。"}},
	}}
	e := newTestEngine(t, model, prompts.MustDefault())

	res, err := Drain(e.Run(context.Background(), "我35岁，住在北京，已婚，是一名工程师", ""), nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.CustomerProfile)

	p := res.CustomerProfile
	assert.Equal(t, 35, p.BasicInfo.Age)
	assert.Equal(t, "北京", p.BasicInfo.City)
	assert.Equal(t, MaritalMarried, p.BasicInfo.MaritalStatus)
	assert.Nil(t, p.BasicInfo.AnnualIncome)
	assert.Equal(t, RiskBalanced, p.InvestmentPreference.RiskTolerance)
	assert.Equal(t, 62.0, p.RiskProfile.RiskScore)
	assert.Equal(t, "根据您的情况，建议采用平衡型配置。", res.Recommendation)
	assert.Equal(t, 4, model.callCount())

	// step 2 saw the projected step 1 output
	assert.Contains(t, model.prompts[1], `"marital_status":"married"`)
	assert.Contains(t, model.prompts[1], `"annual_income":null`)
}
