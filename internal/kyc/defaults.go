package kyc

// Step fallbacks. The Default* functions return the object a step yields when
// its prompt, model call, parse, or validation fails. The field* functions
// return the per-field starting point that parsed model output is overlaid
// on, so a key the model omits keeps its default.

// DefaultBasicInfo is the collect_basic_info fallback.
func DefaultBasicInfo() *BasicInfo {
	return &BasicInfo{
		Age:              30,
		City:             "Unknown",
		MaritalStatus:    MaritalSingle,
		EmploymentStatus: EmploymentEmployed,
		Dependents:       0,
	}
}

// DefaultInvestmentPreference is the collect_investment_preferences fallback.
func DefaultInvestmentPreference() *InvestmentPreference {
	return &InvestmentPreference{
		InvestableAssets:         100000,
		MaxLossTolerance:         10,
		InvestmentHorizonYears:   5,
		RiskTolerance:            RiskModerate,
		InvestmentGoals:          []string{},
		PreferredInvestmentTypes: []string{},
	}
}

// DefaultRiskProfile is the assess_risk_profile fallback.
func DefaultRiskProfile() *RiskProfile {
	return &RiskProfile{
		RiskScore:        50.0,
		RiskLevel:        RiskModerate,
		RiskFactors:      []string{"insufficient information"},
		SuitabilityNotes: ptr("insufficient information; recommend further consultation"),
	}
}

func fieldBasicInfo() *BasicInfo {
	return DefaultBasicInfo()
}

func fieldInvestmentPreference() *InvestmentPreference {
	return DefaultInvestmentPreference()
}

// Unlike the step fallback, a parsed risk profile starts with no factors and
// no notes.
func fieldRiskProfile() *RiskProfile {
	return &RiskProfile{
		RiskScore:   50,
		RiskLevel:   RiskModerate,
		RiskFactors: []string{},
	}
}
