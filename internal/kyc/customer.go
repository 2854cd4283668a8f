// Package kyc implements the Know-Your-Customer intake workflow: the customer
// data model, the streaming step executor, and the four-step engine that turns
// a free-text self description into a CustomerProfile and a recommendation.
package kyc

import "time"

// ── Enums ──

// MaritalStatus is the customer's marital status.
type MaritalStatus string

const (
	MaritalSingle   MaritalStatus = "single"
	MaritalMarried  MaritalStatus = "married"
	MaritalDivorced MaritalStatus = "divorced"
	MaritalWidowed  MaritalStatus = "widowed"
	MaritalOther    MaritalStatus = "other"
)

// Valid reports whether m is a known marital status.
func (m MaritalStatus) Valid() bool {
	switch m {
	case MaritalSingle, MaritalMarried, MaritalDivorced, MaritalWidowed, MaritalOther:
		return true
	}
	return false
}

// EmploymentStatus is the customer's employment status.
type EmploymentStatus string

const (
	EmploymentEmployed     EmploymentStatus = "employed"
	EmploymentSelfEmployed EmploymentStatus = "self_employed"
	EmploymentUnemployed   EmploymentStatus = "unemployed"
	EmploymentRetired      EmploymentStatus = "retired"
	EmploymentStudent      EmploymentStatus = "student"
	EmploymentOther        EmploymentStatus = "other"
)

// Valid reports whether e is a known employment status.
func (e EmploymentStatus) Valid() bool {
	switch e {
	case EmploymentEmployed, EmploymentSelfEmployed, EmploymentUnemployed,
		EmploymentRetired, EmploymentStudent, EmploymentOther:
		return true
	}
	return false
}

// RiskTolerance grades both a customer's stated tolerance and an assessed
// risk level.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative" // 保守型
	RiskModerate     RiskTolerance = "moderate"     // 稳健型
	RiskBalanced     RiskTolerance = "balanced"     // 平衡型
	RiskAggressive   RiskTolerance = "aggressive"   // 激进型
)

// Valid reports whether r is a known risk grade.
func (r RiskTolerance) Valid() bool {
	switch r {
	case RiskConservative, RiskModerate, RiskBalanced, RiskAggressive:
		return true
	}
	return false
}

// ── Step outputs ──

// BasicInfo is produced by the collect_basic_info step.
type BasicInfo struct {
	Age              int              `json:"age" validate:"gte=18,lte=100"`
	City             string           `json:"city" validate:"required"`
	MaritalStatus    MaritalStatus    `json:"marital_status" validate:"marital_status"`
	EmploymentStatus EmploymentStatus `json:"employment_status" validate:"employment_status"`
	AnnualIncome     *float64         `json:"annual_income" validate:"omitempty,gte=0"`
	EducationLevel   *string          `json:"education_level"`
	Dependents       int              `json:"dependents" validate:"gte=0"`
}

// Projection returns the template context form of b.
func (b *BasicInfo) Projection() map[string]any {
	if b == nil {
		return nil
	}
	return map[string]any{
		"age":               b.Age,
		"city":              b.City,
		"marital_status":    string(b.MaritalStatus),
		"employment_status": string(b.EmploymentStatus),
		"annual_income":     optional(b.AnnualIncome),
		"education_level":   optional(b.EducationLevel),
		"dependents":        b.Dependents,
	}
}

// InvestmentPreference is produced by the collect_investment_preferences step.
type InvestmentPreference struct {
	InvestableAssets         float64       `json:"investable_assets" validate:"gte=0"`
	MaxLossTolerance         float64       `json:"max_loss_tolerance" validate:"gte=0,lte=100"`
	InvestmentHorizonYears   int           `json:"investment_horizon_years" validate:"gte=1"`
	RiskTolerance            RiskTolerance `json:"risk_tolerance" validate:"risk_tolerance"`
	InvestmentGoals          []string      `json:"investment_goals"`
	PreferredInvestmentTypes []string      `json:"preferred_investment_types"`
	LiquidityNeeds           *string       `json:"liquidity_needs"`
}

// Projection returns the template context form of p.
func (p *InvestmentPreference) Projection() map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"investable_assets":          p.InvestableAssets,
		"max_loss_tolerance":         p.MaxLossTolerance,
		"investment_horizon_years":   p.InvestmentHorizonYears,
		"risk_tolerance":             string(p.RiskTolerance),
		"investment_goals":           nonNil(p.InvestmentGoals),
		"preferred_investment_types": nonNil(p.PreferredInvestmentTypes),
		"liquidity_needs":            optional(p.LiquidityNeeds),
	}
}

// RiskProfile is produced by the assess_risk_profile step.
type RiskProfile struct {
	RiskScore        float64       `json:"risk_score" validate:"gte=0,lte=100"`
	RiskLevel        RiskTolerance `json:"risk_level" validate:"risk_tolerance"`
	RiskFactors      []string      `json:"risk_factors"`
	SuitabilityNotes *string       `json:"suitability_notes"`
}

// Projection returns the template context form of r.
func (r *RiskProfile) Projection() map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"risk_score":        r.RiskScore,
		"risk_level":        string(r.RiskLevel),
		"risk_factors":      nonNil(r.RiskFactors),
		"suitability_notes": optional(r.SuitabilityNotes),
	}
}

// CustomerProfile is the terminal artifact of a workflow run. A new run
// always builds a new profile.
type CustomerProfile struct {
	CustomerID           *string               `json:"customer_id"`
	BasicInfo            *BasicInfo            `json:"basic_info"`
	InvestmentPreference *InvestmentPreference `json:"investment_preference"`
	RiskProfile          *RiskProfile          `json:"risk_profile"`
	AdditionalNotes      *string               `json:"additional_notes"`
	CollectedAt          time.Time             `json:"collected_at"`
}

// ── helpers ──

func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func ptr[T any](v T) *T { return &v }
