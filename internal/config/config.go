package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/attachehq/attache/internal/audit"
)

// Config is the main configuration structure for Attaché.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Channels   ChannelsConfig   `yaml:"channels"`
	LLM        LLMConfig        `yaml:"llm"`
	Credits    CreditsConfig    `yaml:"credits"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
	Onboarding OnboardingConfig `yaml:"onboarding"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Mail       MailConfig       `yaml:"mail"`
	Audit      audit.Config     `yaml:"audit"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// URL is the Postgres DSN. Empty means in-memory stores (dev mode).
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig declares a static API key for service automation. An
// empty tenant_id grants platform-wide access.
type APIKeyConfig struct {
	Key      string `yaml:"key"`
	UserID   string `yaml:"user_id"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	TenantID string `yaml:"tenant_id"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig also serves as the platform-level fallback binding for
// outbound delivery on telegram; BotToken is typically "${TELEGRAM_BOT_TOKEN}".
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	// Mode is "long_polling" (default) or "webhook".
	Mode          string `yaml:"mode"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// SlackConfig needs both the bot token and the app-level token because
// the adapter connects over Socket Mode.
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type CreditsConfig struct {
	// ReplenishCron schedules the daily bucket reset, in UTC.
	ReplenishCron string `yaml:"replenish_cron"`
	// DailyGrant is the default daily bucket size for new tenants.
	DailyGrant int `yaml:"daily_grant"`
	// MessageCost is the credit cost charged per inbound message run.
	MessageCost int `yaml:"message_cost"`
	// ToolCost is the credit cost charged per executed tool call,
	// reconciled after the run.
	ToolCost int `yaml:"tool_cost"`
}

type ApprovalsConfig struct {
	// PendingTTL auto-rejects proposals older than this. Zero disables
	// expiry; pending approvals then wait for a human indefinitely.
	PendingTTL    time.Duration `yaml:"pending_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type AssemblerConfig struct {
	// HistoryWindow is the fixed number of recent turns included in the
	// model context.
	HistoryWindow int `yaml:"history_window"`
	MaxReferences int `yaml:"max_references"`
}

type OnboardingConfig struct {
	// TenantID and AgentID name the shared platform agent that handles
	// conversations from unlinked identities.
	TenantID string `yaml:"tenant_id"`
	AgentID  string `yaml:"agent_id"`
}

type GatewayConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// MailConfig configures the transactional mail API used to deliver link
// codes. Endpoint receives a JSON POST; empty endpoint logs instead.
type MailConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	From     string `yaml:"from"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables in
// the file are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, suitable for
// in-memory dev runs without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Credits.ReplenishCron == "" {
		cfg.Credits.ReplenishCron = "0 0 * * *"
	}
	if cfg.Credits.DailyGrant == 0 {
		cfg.Credits.DailyGrant = 50
	}
	if cfg.Credits.MessageCost == 0 {
		cfg.Credits.MessageCost = 1
	}
	if cfg.Credits.ToolCost == 0 {
		cfg.Credits.ToolCost = 1
	}
	if cfg.Approvals.SweepInterval == 0 {
		cfg.Approvals.SweepInterval = 5 * time.Minute
	}
	if cfg.Assembler.HistoryWindow == 0 {
		cfg.Assembler.HistoryWindow = 20
	}
	if cfg.Assembler.MaxReferences == 0 {
		cfg.Assembler.MaxReferences = 5
	}
	if cfg.Onboarding.TenantID == "" {
		cfg.Onboarding.TenantID = "platform"
	}
	if cfg.Onboarding.AgentID == "" {
		cfg.Onboarding.AgentID = "onboarding"
	}
	if cfg.Gateway.MaxConcurrent == 0 {
		cfg.Gateway.MaxConcurrent = 10
	}
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = audit.LevelInfo
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		return fmt.Errorf("http_port and metrics_port must differ")
	}
	if c.Gateway.MaxConcurrent < 1 {
		return fmt.Errorf("gateway.max_concurrent must be positive")
	}
	if c.Credits.MessageCost < 0 {
		return fmt.Errorf("credits.message_cost must not be negative")
	}
	if c.Credits.ToolCost < 0 {
		return fmt.Errorf("credits.tool_cost must not be negative")
	}
	if c.Approvals.PendingTTL < 0 {
		return fmt.Errorf("approvals.pending_ttl must not be negative")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}
	return nil
}
