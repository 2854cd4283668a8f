// Package prompts holds the prompt catalogue used by the KYC workflow, the
// intent router, and the chat fallback, and renders templates by ID.
package prompts

// ── Template IDs (canonical identifiers) ──

const (
	BasicInfoExtraction            = "basic-info-extraction"
	InvestmentPreferenceExtraction = "investment-preference-extraction"
	RiskAssessment                 = "risk-assessment"
	RecommendationSynthesis        = "recommendation-synthesis"
	IntentClassification           = "intent-classification"
	ChatSystem                     = "chat-system"
)

// WorkflowTemplates lists the templates a KYC workflow run cannot proceed
// without, in step order.
var WorkflowTemplates = []string{
	BasicInfoExtraction,
	InvestmentPreferenceExtraction,
	RiskAssessment,
	RecommendationSynthesis,
}

// ── Context keys ──
//
// Keys of the maps passed to Render. Values are primitive projections:
// enums as strings, absent optionals as nil.

const (
	KeyUserContext          = "user_context"
	KeyUserInput            = "user_input"
	KeyBasicInfo            = "basic_info"
	KeyInvestmentPreference = "investment_preference"
	KeyRiskProfile          = "risk_profile"
	KeyCustomerName         = "customer_name"
)
