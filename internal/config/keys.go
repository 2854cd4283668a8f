package config

import "os"

// APIKeySource represents where an API key comes from.
type APIKeySource string

const (
	KeySourceEnv    APIKeySource = "env"
	KeySourceConfig APIKeySource = "config"
	KeySourceNone   APIKeySource = "none"
)

// KeyStatus represents the status of one credential.
type KeyStatus struct {
	Name     string       `json:"name"`
	Source   APIKeySource `json:"source"`
	IsSet    bool         `json:"is_set"`
	Required bool         `json:"required"`         // needed by the primary provider or memory backend
	Masked   string       `json:"masked,omitempty"` // e.g., "sk-...abc"
}

// Missing reports whether a required credential is absent.
func (s KeyStatus) Missing() bool { return s.Required && !s.IsSet }

// credential is one secret the backend may read, with the environment
// variables that can supply it, most specific first.
type credential struct {
	name     string
	value    string
	required bool
	env      []string
}

// CheckAPIKeys returns the status of every provider credential and the
// Redis password.
func CheckAPIKeys(cfg *Config) []KeyStatus {
	lc := cfg.LLM
	creds := []credential{
		{"OpenAI API Key", lc.OpenAIKey, lc.Primary == "openai", []string{"EFUND_LLM_OPENAI_KEY", "OPENAI_API_KEY"}},
		{"Azure OpenAI API Key", lc.AzureKey, lc.Primary == "azure_openai", []string{"EFUND_LLM_AZURE_KEY"}},
		{"SiliconFlow API Key", lc.SiliconFlowKey, lc.Primary == "siliconflow", []string{"EFUND_LLM_SILICONFLOW_KEY"}},
		{"Redis Password", cfg.Memory.RedisPassword, false, []string{"EFUND_MEMORY_REDIS_PASSWORD"}},
	}

	out := make([]KeyStatus, 0, len(creds))
	for _, c := range creds {
		s := checkKey(c.name, c.value, c.env...)
		s.Required = c.required
		out = append(out, s)
	}
	return out
}

// checkKey reports whether value is set and whether one of envVars
// supplied it.
func checkKey(name, value string, envVars ...string) KeyStatus {
	status := KeyStatus{Name: name, Source: KeySourceNone}
	if value == "" {
		return status
	}

	status.IsSet = true
	status.Masked = maskKey(value)
	status.Source = KeySourceConfig
	for _, e := range envVars {
		if os.Getenv(e) == value {
			status.Source = KeySourceEnv
			break
		}
	}
	return status
}

// maskKey masks an API key for display, showing only first 3 and last 3 chars.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:3] + "..." + key[len(key)-3:]
}

// Sanitized returns a copy of cfg with every secret masked, suitable for
// exposing over the API.
func Sanitized(cfg *Config) Config {
	out := *cfg
	out.API.CORSOrigins = append([]string(nil), cfg.API.CORSOrigins...)
	out.Workflow.IntentKeywords = append([]string(nil), cfg.Workflow.IntentKeywords...)
	if out.LLM.OpenAIKey != "" {
		out.LLM.OpenAIKey = maskKey(out.LLM.OpenAIKey)
	}
	if out.LLM.AzureKey != "" {
		out.LLM.AzureKey = maskKey(out.LLM.AzureKey)
	}
	if out.LLM.SiliconFlowKey != "" {
		out.LLM.SiliconFlowKey = maskKey(out.LLM.SiliconFlowKey)
	}
	if out.Memory.RedisPassword != "" {
		out.Memory.RedisPassword = maskKey(out.Memory.RedisPassword)
	}
	return out
}
