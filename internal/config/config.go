// Package config handles configuration loading for the efund advisory
// backend. It supports YAML config files, a local .env file, and
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "EFUND"

// Config represents the complete application configuration.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"      yaml:"llm"      json:"llm"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow" json:"workflow"`
	Session  SessionConfig  `mapstructure:"session"  yaml:"session"  json:"session"`
	Memory   MemoryConfig   `mapstructure:"memory"   yaml:"memory"   json:"memory"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"      json:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"  json:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"  json:"metrics"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Primary         string  `mapstructure:"primary"           yaml:"primary"           json:"primary"` // "openai", "azure_openai", "siliconflow", "ollama"
	OpenAIKey       string  `mapstructure:"openai_key"        yaml:"openai_key"        json:"-"`
	OpenAIBaseURL   string  `mapstructure:"openai_base_url"   yaml:"openai_base_url"   json:"openai_base_url,omitempty"`
	AzureKey        string  `mapstructure:"azure_key"         yaml:"azure_key"         json:"-"`
	AzureEndpoint   string  `mapstructure:"azure_endpoint"    yaml:"azure_endpoint"    json:"azure_endpoint,omitempty"`
	AzureAPIVersion string  `mapstructure:"azure_api_version" yaml:"azure_api_version" json:"azure_api_version,omitempty"`
	AzureDeployment string  `mapstructure:"azure_deployment"  yaml:"azure_deployment"  json:"azure_deployment,omitempty"`
	SiliconFlowKey  string  `mapstructure:"siliconflow_key"   yaml:"siliconflow_key"   json:"-"`
	SiliconFlowURL  string  `mapstructure:"siliconflow_url"   yaml:"siliconflow_url"   json:"siliconflow_url"`
	OllamaURL       string  `mapstructure:"ollama_url"        yaml:"ollama_url"        json:"ollama_url"`
	Model           string  `mapstructure:"model"             yaml:"model"             json:"model"`
	Temperature     float64 `mapstructure:"temperature"       yaml:"temperature"       json:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"        yaml:"max_tokens"        json:"max_tokens"`
	TimeoutSec      int     `mapstructure:"timeout_sec"       yaml:"timeout_sec"       json:"timeout_sec"`
	RequestsPerMin  int     `mapstructure:"requests_per_min"  yaml:"requests_per_min"  json:"requests_per_min"` // per provider; 0 disables pacing
	RequestBurst    int     `mapstructure:"request_burst"     yaml:"request_burst"     json:"request_burst"`
}

// Timeout returns the per-request provider timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// WorkflowConfig holds KYC workflow and intent routing settings.
type WorkflowConfig struct {
	TimeoutSec     int      `mapstructure:"timeout_sec"     yaml:"timeout_sec"     json:"timeout_sec"`
	IntentKeywords []string `mapstructure:"intent_keywords" yaml:"intent_keywords" json:"intent_keywords"`
	PromptsPath    string   `mapstructure:"prompts_path"    yaml:"prompts_path"    json:"prompts_path"` // YAML prompt catalogue; empty uses the built-in one
}

// Timeout returns the overall wall-clock budget for one workflow run.
func (c WorkflowConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SessionConfig holds conversation session settings.
type SessionConfig struct {
	MaxSessions  int    `mapstructure:"max_sessions"  yaml:"max_sessions"  json:"max_sessions"`
	MemoryWindow int    `mapstructure:"memory_window" yaml:"memory_window" json:"memory_window"`
	Greeting     string `mapstructure:"greeting"      yaml:"greeting"      json:"greeting"`
	ResetMessage string `mapstructure:"reset_message" yaml:"reset_message" json:"reset_message"`
}

// MemoryConfig selects and configures the conversation log store.
type MemoryConfig struct {
	Backend       string `mapstructure:"backend"        yaml:"backend"        json:"backend"` // "inmemory" or "redis"
	RedisAddr     string `mapstructure:"redis_addr"     yaml:"redis_addr"     json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db"       yaml:"redis_db"       json:"redis_db"`
	TTLSec        int    `mapstructure:"ttl_sec"        yaml:"ttl_sec"        json:"ttl_sec"`
}

// TTL returns the expiry applied to stored conversation logs.
func (c MemoryConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// APIConfig holds HTTP and WebSocket server settings.
type APIConfig struct {
	Host              string   `mapstructure:"host"                yaml:"host"                json:"host"`
	Port              int      `mapstructure:"port"                yaml:"port"                json:"port"`
	CORSOrigins       []string `mapstructure:"cors_origins"        yaml:"cors_origins"        json:"cors_origins"`
	RequestTimeoutSec int      `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec" json:"request_timeout_sec"`
}

// Addr returns the host:port listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  json:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format" json:"format"` // "text" or "json"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path"    yaml:"path"    json:"path"`
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.efund/config.yaml (home directory)
//  3. /etc/efund/config.yaml (system)
//
// A .env file in the working directory is loaded first if present.
// Environment variables override config file values.
// Format: EFUND_<SECTION>_<KEY>, e.g., EFUND_LLM_OPENAI_KEY
func Load() (*Config, error) {
	loadDotEnv()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".efund"))
	v.AddConfigPath("/etc/efund")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	loadDotEnv()

	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	return decode(v)
}

// Default returns the configuration produced by defaults alone, ignoring
// files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	overrideFromEnv(&cfg)
	return &cfg, nil
}

// loadDotEnv loads ./.env without overriding variables already set.
func loadDotEnv() {
	_ = godotenv.Load()
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// LLM defaults
	v.SetDefault("llm.primary", "openai")
	v.SetDefault("llm.azure_api_version", "2024-06-01")
	v.SetDefault("llm.siliconflow_url", "https://api.siliconflow.cn/v1")
	v.SetDefault("llm.ollama_url", "http://localhost:11434")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout_sec", 120)
	v.SetDefault("llm.requests_per_min", 120)
	v.SetDefault("llm.request_burst", 10)

	// Workflow defaults
	v.SetDefault("workflow.timeout_sec", 120)
	v.SetDefault("workflow.intent_keywords", []string{"kyc", "workflow"})
	v.SetDefault("workflow.prompts_path", "")

	// Session defaults
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.memory_window", 20)
	v.SetDefault("session.greeting", "连接成功！可以开始聊天了。")
	v.SetDefault("session.reset_message", "会话已重置。")

	// Memory defaults
	v.SetDefault("memory.backend", "inmemory")
	v.SetDefault("memory.redis_addr", "localhost:6379")
	v.SetDefault("memory.redis_db", 0)
	v.SetDefault("memory.ttl_sec", 86400)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.request_timeout_sec", 180)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// overrideFromEnv explicitly reads sensitive keys from environment variables.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("EFUND_LLM_OPENAI_KEY"); key != "" {
		cfg.LLM.OpenAIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.OpenAIKey == "" {
		cfg.LLM.OpenAIKey = key
	}
	if key := os.Getenv("EFUND_LLM_AZURE_KEY"); key != "" {
		cfg.LLM.AzureKey = key
	}
	if key := os.Getenv("EFUND_LLM_SILICONFLOW_KEY"); key != "" {
		cfg.LLM.SiliconFlowKey = key
	}
	if pw := os.Getenv("EFUND_MEMORY_REDIS_PASSWORD"); pw != "" {
		cfg.Memory.RedisPassword = pw
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
