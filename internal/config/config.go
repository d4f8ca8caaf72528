// Package config loads the runtime's configuration from a layered
// YAML/JSON5 file with $include composition and environment-variable
// expansion, decoded strictly (unknown fields rejected) into a single
// Config value constructed once at boot.
package config

import (
	"time"
)

// Config is the complete set of options the runtime reads at boot. No
// component reads configuration mid-request; a *Config is built once and
// passed by reference to every component that needs it.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Session    SessionConfig    `yaml:"session"`
	Channel    ChannelConfig    `yaml:"channel"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	JWTSecret       string `yaml:"jwt_secret"`
	OIDCUserInfoURL string `yaml:"oidc_userinfo_url"`
}

type LLMConfig struct {
	CandidateModels  []string      `yaml:"candidate_models"`
	Retries          int           `yaml:"retries"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	AnthropicAPIKey  string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey     string        `yaml:"openai_api_key"`
	GeminiAPIKey     string        `yaml:"gemini_api_key"`
	BedrockRegion    string        `yaml:"bedrock_region"`
	VerbosePromptLog bool          `yaml:"verbose_prompt_log"`
	PromptLogDir     string        `yaml:"prompt_log_dir"`
}

type SessionConfig struct {
	DefaultTimeLimit      time.Duration `yaml:"default_time_limit"`
	MaxConversationLength int           `yaml:"max_conversation_length"`
	PreserveExchanges     int           `yaml:"preserve_exchanges"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
}

type ChannelConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SendBufferSize    int           `yaml:"send_buffer_size"`
}

type StoreConfig struct {
	DriverName string `yaml:"driver"` // "memory", "postgres", "sqlite"
	DSN        string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LedgerConfig struct {
	DriverName string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
}

// TracingConfig controls the research-loop driver's per-iteration spans.
// An empty Endpoint disables export and the tracer becomes a no-op.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults returns the documented defaults for every option, applied before
// a config file is merged on top.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM: LLMConfig{
			CandidateModels: []string{"claude-sonnet", "gpt-4o", "gemini-1.5-pro"},
			Retries:         3,
			CallTimeout:     30 * time.Second,
			PromptLogDir:    ".ras/prompts_llm_typed",
		},
		Session: SessionConfig{
			DefaultTimeLimit:      5 * time.Minute,
			MaxConversationLength: 40,
			PreserveExchanges:     6,
			IdleTimeout:           30 * time.Minute,
		},
		Channel: ChannelConfig{
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			SendBufferSize:    64,
		},
		Store: StoreConfig{DriverName: "memory"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Ledger:  LedgerConfig{DriverName: "memory"},
	}
}
