// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	LLM() LLMModelConfig
	Agent() AgentConfig
	Playbook() PlaybookConfig
	Browser() BrowserConfig
	Investigation() InvestigationConfig
	Store() StoreConfig
	Events() EventsConfig
	Server() ServerConfig
	Recon() ReconConfig

	// Setters used by CLI flag overrides.
	SetBrowserHeadless(bool)
	SetAgentMaxSteps(int)
	SetAgentTokenBudget(float64)
	SetPlaybookDir(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg        LoggerConfig        `mapstructure:"logger" yaml:"logger"`
	LLMCfg           LLMModelConfig      `mapstructure:"llm" yaml:"llm"`
	AgentCfg         AgentConfig         `mapstructure:"agent" yaml:"agent"`
	PlaybookCfg      PlaybookConfig      `mapstructure:"playbook" yaml:"playbook"`
	BrowserCfg       BrowserConfig       `mapstructure:"browser" yaml:"browser"`
	InvestigationCfg InvestigationConfig `mapstructure:"investigation" yaml:"investigation"`
	StoreCfg         StoreConfig         `mapstructure:"store" yaml:"store"`
	EventsCfg        EventsConfig        `mapstructure:"events" yaml:"events"`
	ServerCfg        ServerConfig        `mapstructure:"server" yaml:"server"`
	ReconCfg         ReconConfig         `mapstructure:"recon" yaml:"recon"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig               { return c.LoggerCfg }
func (c *Config) LLM() LLMModelConfig                { return c.LLMCfg }
func (c *Config) Agent() AgentConfig                 { return c.AgentCfg }
func (c *Config) Playbook() PlaybookConfig           { return c.PlaybookCfg }
func (c *Config) Browser() BrowserConfig             { return c.BrowserCfg }
func (c *Config) Investigation() InvestigationConfig { return c.InvestigationCfg }
func (c *Config) Store() StoreConfig                 { return c.StoreCfg }
func (c *Config) Events() EventsConfig               { return c.EventsCfg }
func (c *Config) Server() ServerConfig               { return c.ServerCfg }
func (c *Config) Recon() ReconConfig                 { return c.ReconCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetAgentMaxSteps(n int)           { c.AgentCfg.MaxSteps = n }
func (c *Config) SetAgentTokenBudget(usd float64)  { c.AgentCfg.TokenBudgetUSD = usd }
func (c *Config) SetPlaybookDir(dir string)        { c.PlaybookCfg.Dir = dir }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	// ProviderGemini talks to the Gemini REST endpoint directly.
	ProviderGemini LLMProvider = "gemini"
	// ProviderGenAI uses the official google.golang.org/genai SDK.
	ProviderGenAI LLMProvider = "genai"
	// ProviderOllama targets a local Ollama daemon.
	ProviderOllama LLMProvider = "ollama"
)

// LLMModelConfig defines the configuration for the vision model and its retry policy.
type LLMModelConfig struct {
	Provider       LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model          string            `mapstructure:"model" yaml:"model"`
	APIKey         string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint       string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout     time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature    float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP           float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK           int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens      int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxRetries     int               `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration     `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration     `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	SafetyFilters  map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// AgentConfig tunes the active interaction loop.
type AgentConfig struct {
	MaxSteps       int `mapstructure:"max_steps" yaml:"max_steps"`
	StuckThreshold int `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	// StuckThresholds overrides StuckThreshold per agent state. A DEFAULT
	// entry applies to states without their own. Keys are case-insensitive.
	StuckThresholds    map[string]int `mapstructure:"stuck_thresholds" yaml:"stuck_thresholds"`
	MaxRepeatedActions int            `mapstructure:"max_repeated_actions" yaml:"max_repeated_actions"`
	TokenBudgetUSD     float64        `mapstructure:"token_budget_usd" yaml:"token_budget_usd"`
	GuidanceTimeout    time.Duration  `mapstructure:"guidance_timeout" yaml:"guidance_timeout"`
	HistorySize        int            `mapstructure:"history_size" yaml:"history_size"`
	ScreenshotDir      string         `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`

	// BlankPageCheck waits instead of calling the model while the page has
	// almost no text and a tiny screenshot.
	BlankPageCheck bool `mapstructure:"blank_page_check" yaml:"blank_page_check"`
	// BlankPageRetries bounds those waits per state, with a DEFAULT entry.
	BlankPageRetries map[string]int `mapstructure:"blank_page_retries" yaml:"blank_page_retries"`
	// DuplicateScreenshotLimit is how many unchanged screenshots in a row
	// force a guidance request. Zero disables screenshot deduplication.
	DuplicateScreenshotLimit int `mapstructure:"duplicate_screenshot_limit" yaml:"duplicate_screenshot_limit"`
}

// DefaultStateKey is the fallback entry in the per-state agent maps.
const DefaultStateKey = "DEFAULT"

// DefaultBlankPageRetries applies when blank_page_retries names neither the
// state nor DEFAULT.
const DefaultBlankPageRetries = 4

// StuckThresholdFor returns the number of actions allowed in state before
// guidance is requested.
func (a AgentConfig) StuckThresholdFor(state string) int {
	if n, ok := lookupState(a.StuckThresholds, state); ok && n > 0 {
		return n
	}
	return a.StuckThreshold
}

// BlankPageRetriesFor returns how many blank-page waits state allows.
func (a AgentConfig) BlankPageRetriesFor(state string) int {
	if n, ok := lookupState(a.BlankPageRetries, state); ok && n >= 0 {
		return n
	}
	return DefaultBlankPageRetries
}

// lookupState finds state, then DEFAULT, ignoring case. Viper lowercases map
// keys, so exact matching would never hit.
func lookupState(m map[string]int, state string) (int, bool) {
	for _, key := range []string{state, DefaultStateKey} {
		for k, v := range m {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
	}
	return 0, false
}

// PlaybookConfig points the loader at the playbook directory.
type PlaybookConfig struct {
	Dir      string   `mapstructure:"dir" yaml:"dir"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
	Watch    bool     `mapstructure:"watch" yaml:"watch"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	Humanoid          HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`

	// Stealth masks the usual headless automation tells on every new tab.
	Stealth  bool   `mapstructure:"stealth" yaml:"stealth"`
	Locale   string `mapstructure:"locale" yaml:"locale"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// InvestigationConfig controls admission and per-run limits.
type InvestigationConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeDomain   string        `mapstructure:"probe_domain" yaml:"probe_domain"`
}

// StoreConfig selects the task-status backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	TaskTTL       time.Duration `mapstructure:"task_ttl" yaml:"task_ttl"`
	PostgresURL   string        `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// EventsConfig configures the optional event sinks.
type EventsConfig struct {
	JSONLDir          string `mapstructure:"jsonl_dir" yaml:"jsonl_dir"`
	NATSURL           string `mapstructure:"nats_url" yaml:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix"`
}

// ServerConfig configures the HTTP and WebSocket API.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ReconConfig rate limits the passive lookups run before interaction.
type ReconConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "snare")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", "1s")
	v.SetDefault("llm.retry_max_delay", "30s")

	// -- Agent --
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.stuck_threshold", 15)
	v.SetDefault("agent.max_repeated_actions", 3)
	v.SetDefault("agent.token_budget_usd", 0.0)
	v.SetDefault("agent.guidance_timeout", "120s")
	v.SetDefault("agent.history_size", 12)
	v.SetDefault("agent.screenshot_dir", "evidence")
	v.SetDefault("agent.stuck_thresholds", map[string]int{
		"LOAD_SITE":                5,
		"FIND_REGISTER":            8,
		"FILL_REGISTER":            12,
		"SUBMIT_REGISTER":          15,
		"CHECK_EMAIL_VERIFICATION": 3,
		"NAVIGATE_DEPOSIT":         10,
		"EXTRACT_WALLETS":          20,
	})
	v.SetDefault("agent.blank_page_check", true)
	v.SetDefault("agent.blank_page_retries", map[string]int{
		DefaultStateKey:    DefaultBlankPageRetries,
		"FIND_REGISTER":    8,
		"NAVIGATE_DEPOSIT": 2,
	})
	v.SetDefault("agent.duplicate_screenshot_limit", 5)

	// -- Playbook --
	v.SetDefault("playbook.dir", "playbooks")
	v.SetDefault("playbook.patterns", []string{"**/*.json", "**/*.yaml", "**/*.yml"})
	v.SetDefault("playbook.watch", false)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 768})
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.locale", "en-US")
	setHumanoidDefaults(v)

	// -- Investigation --
	v.SetDefault("investigation.max_concurrent", 3)
	v.SetDefault("investigation.timeout", "15m")
	v.SetDefault("investigation.probe_domain", "i4g-probe.net")

	// -- Store --
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.task_ttl", "24h")

	// -- Events --
	v.SetDefault("events.nats_subject_prefix", "snare.events")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Recon --
	v.SetDefault("recon.enabled", true)
	v.SetDefault("recon.rate_per_second", 2.0)
	v.SetDefault("recon.burst", 2)
	v.SetDefault("recon.timeout", "20s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "SNARE_LLM_API_KEY")
	_ = v.BindEnv("store.postgres_url", "SNARE_STORE_POSTGRES_URL")
	_ = v.BindEnv("store.redis_password", "SNARE_STORE_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in the directory settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.PlaybookCfg.Dir, &c.AgentCfg.ScreenshotDir, &c.EventsCfg.JSONLDir, &c.LoggerCfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.InvestigationCfg.MaxConcurrent <= 0 {
		return fmt.Errorf("investigation.max_concurrent must be a positive integer")
	}
	if c.InvestigationCfg.ProbeDomain == "" {
		return fmt.Errorf("investigation.probe_domain is required")
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the agent loop limits.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.StuckThreshold <= 0 {
		return fmt.Errorf("stuck_threshold must be a positive integer")
	}
	for state, n := range a.StuckThresholds {
		if n <= 0 {
			return fmt.Errorf("stuck_thresholds.%s must be a positive integer", state)
		}
	}
	for state, n := range a.BlankPageRetries {
		if n < 0 {
			return fmt.Errorf("blank_page_retries.%s cannot be negative", state)
		}
	}
	if a.DuplicateScreenshotLimit < 0 {
		return fmt.Errorf("duplicate_screenshot_limit cannot be negative")
	}
	if a.TokenBudgetUSD < 0 {
		return fmt.Errorf("token_budget_usd cannot be negative")
	}
	if a.GuidanceTimeout <= 0 {
		return fmt.Errorf("guidance_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the LLM provider settings.
func (l *LLMModelConfig) Validate() error {
	switch l.Provider {
	case ProviderGemini, ProviderGenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider %q", l.Provider)
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (s *StoreConfig) Validate() error {
	switch strings.ToLower(s.Backend) {
	case "memory":
	case "redis":
		if s.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis backend")
		}
	case "postgres":
		if s.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres backend. Set SNARE_STORE_POSTGRES_URL")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}
