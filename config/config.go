package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the resolution pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Eval      EvalConfig      `mapstructure:"eval"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig selects and configures the model collaborator.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"` // gemini, openai
	Model        string        `mapstructure:"model"`
	GoogleAPIKey string        `mapstructure:"google_api_key"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// APIKey returns the credential for the selected provider.
func (l LLMConfig) APIKey() string {
	if l.Provider == "openai" {
		return l.OpenAIAPIKey
	}
	return l.GoogleAPIKey
}

// Normalize fills provider-specific defaults.
func (l LLMConfig) Normalize() LLMConfig {
	l.Provider = strings.ToLower(strings.TrimSpace(l.Provider))
	if l.Provider == "" {
		l.Provider = "gemini"
	}
	if strings.TrimSpace(l.Model) == "" {
		switch l.Provider {
		case "openai":
			l.Model = "gpt-4o-mini"
		default:
			l.Model = "gemini-2.5-flash"
		}
	}
	if l.Timeout <= 0 {
		l.Timeout = 60 * time.Second
	}
	return l
}

func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("llm.provider %q not supported", l.Provider)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0,2]")
	}
	return nil
}

// LoopConfig bounds the critique/refine loop.
type LoopConfig struct {
	QualityThreshold float64 `mapstructure:"quality_threshold"`
	MaxIterations    int     `mapstructure:"max_iterations"`
}

func (l LoopConfig) Validate() error {
	if l.QualityThreshold <= 0 || l.QualityThreshold > 1 {
		return fmt.Errorf("loop.quality_threshold must be within (0,1]")
	}
	if l.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be >= 1")
	}
	return nil
}

// MemoryConfig controls the experience log.
type MemoryConfig struct {
	Path string           `mapstructure:"path"`
	TopK int              `mapstructure:"top_k"`
	Lock MemoryLockConfig `mapstructure:"lock"`
}

// MemoryLockConfig selects the cross-process lock for writers.
type MemoryLockConfig struct {
	Backend string        `mapstructure:"backend"` // file, redis
	Timeout time.Duration `mapstructure:"timeout"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

func (m MemoryConfig) Validate() error {
	if strings.TrimSpace(m.Path) == "" {
		return fmt.Errorf("memory.path required")
	}
	switch m.Lock.Backend {
	case "file":
	case "redis":
		if err := m.Lock.Redis.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("memory.lock.backend %q not supported", m.Lock.Backend)
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Key      string        `mapstructure:"key"`
}

// Addr joins host and port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("memory.lock.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("memory.lock.redis.port required")
	}
	return nil
}

// ToolsConfig configures the optional external capabilities. A capability
// is enabled only when its credential is present.
type ToolsConfig struct {
	Timeout    time.Duration    `mapstructure:"timeout"`
	ServiceNow ServiceNowConfig `mapstructure:"servicenow"`
	ElevenLabs MCPToolConfig    `mapstructure:"elevenlabs"`
	Perplexity MCPToolConfig    `mapstructure:"perplexity"`
	WebSearch  WebSearchConfig  `mapstructure:"web_search"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
}

// MCPToolConfig describes an MCP server launched over stdio.
type MCPToolConfig struct {
	APIKey  string   `mapstructure:"api_key"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// ServiceNowConfig describes the ticketing MCP server.
type ServiceNowConfig struct {
	InstanceURL string   `mapstructure:"instance_url"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FetchConfig controls page retrieval for web research.
type FetchConfig struct {
	Mode     string        `mapstructure:"mode"` // http, browser
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
	MaxPages int           `mapstructure:"max_pages"`
}

func (f FetchConfig) Validate() error {
	switch f.Mode {
	case "http", "browser":
		return nil
	default:
		return fmt.Errorf("tools.fetch.mode %q not supported", f.Mode)
	}
}

// PipelineConfig toggles optional stages.
type PipelineConfig struct {
	Narrate      bool          `mapstructure:"narrate"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// ServerConfig contains dashboard HTTP settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// EvalConfig configures the evaluation harness.
type EvalConfig struct {
	Dataset     string `mapstructure:"dataset"`
	Concurrency int    `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.google_api_key", "")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("loop.quality_threshold", 0.85)
	v.SetDefault("loop.max_iterations", 5)

	v.SetDefault("memory.path", "experience_memory.json")
	v.SetDefault("memory.top_k", 3)
	v.SetDefault("memory.lock.backend", "file")
	v.SetDefault("memory.lock.timeout", 10*time.Second)
	v.SetDefault("memory.lock.ttl", 30*time.Second)
	v.SetDefault("memory.lock.redis.host", "localhost")
	v.SetDefault("memory.lock.redis.port", "6379")
	v.SetDefault("memory.lock.redis.password", "")
	v.SetDefault("memory.lock.redis.db", 0)
	v.SetDefault("memory.lock.redis.timeout", 5*time.Second)
	v.SetDefault("memory.lock.redis.key", "selfheal:experience:lock")

	v.SetDefault("tools.timeout", 30*time.Second)
	v.SetDefault("tools.servicenow.instance_url", "")
	v.SetDefault("tools.servicenow.username", "")
	v.SetDefault("tools.servicenow.password", "")
	v.SetDefault("tools.servicenow.command", "mcp-servicenow")
	v.SetDefault("tools.servicenow.args", []string{})
	v.SetDefault("tools.elevenlabs.api_key", "")
	v.SetDefault("tools.elevenlabs.command", "uvx")
	v.SetDefault("tools.elevenlabs.args", []string{"elevenlabs-mcp"})
	v.SetDefault("tools.perplexity.api_key", "")
	v.SetDefault("tools.perplexity.command", "uvx")
	v.SetDefault("tools.perplexity.args", []string{"perplexity-mcp"})
	v.SetDefault("tools.web_search.brave_api_key", "")
	v.SetDefault("tools.web_search.serper_api_key", "")
	v.SetDefault("tools.web_search.max_results", 5)
	v.SetDefault("tools.web_search.timeout", 15*time.Second)
	v.SetDefault("tools.fetch.mode", "http")
	v.SetDefault("tools.fetch.timeout", 20*time.Second)
	v.SetDefault("tools.fetch.max_chars", 4000)
	v.SetDefault("tools.fetch.max_pages", 2)

	v.SetDefault("pipeline.narrate", false)
	v.SetDefault("pipeline.stage_timeout", 2*time.Minute)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "selfheal")
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")

	v.SetDefault("eval.dataset", "")
	v.SetDefault("eval.concurrency", 4)
}

// credentialEnv maps keys to the conventional variable names the external
// services document, in addition to the SELFHEAL_ prefixed form.
var credentialEnv = map[string]string{
	"llm.google_api_key":              "GOOGLE_API_KEY",
	"llm.openai_api_key":              "OPENAI_API_KEY",
	"llm.model":                       "ADK_MODEL",
	"tools.servicenow.instance_url":   "SERVICENOW_INSTANCE_URL",
	"tools.servicenow.username":       "SERVICENOW_USERNAME",
	"tools.servicenow.password":       "SERVICENOW_PASSWORD",
	"tools.elevenlabs.api_key":        "ELEVENLABS_API_KEY",
	"tools.perplexity.api_key":        "PERPLEXITY_API_KEY",
	"tools.web_search.brave_api_key":  "BRAVE_API_KEY",
	"tools.web_search.serper_api_key": "SERPER_API_KEY",
}

// Load reads configuration from path (or the default search paths when
// empty) and the environment. A missing file in the search paths is not an
// error; every key has a default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SELFHEAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range credentialEnv {
		prefixed := "SELFHEAL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.LLM = cfg.LLM.Normalize()
	cfg.Tools.Fetch.Mode = strings.ToLower(strings.TrimSpace(cfg.Tools.Fetch.Mode))
	cfg.Memory.Lock.Backend = strings.ToLower(strings.TrimSpace(cfg.Memory.Lock.Backend))
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = 3
	}
	if cfg.Eval.Concurrency <= 0 {
		cfg.Eval.Concurrency = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.LLM.Validate,
		c.Loop.Validate,
		c.Memory.Validate,
		c.Tools.Fetch.Validate,
		c.Telemetry.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
