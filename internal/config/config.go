// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ashureev/deep-research/internal/runlog"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Search   SearchConfig   `mapstructure:"search"`
	Research ResearchConfig `mapstructure:"research"`
	RunLog   runlog.Config  `mapstructure:"run_log"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port               string        `mapstructure:"port" validate:"required,numeric"`
	FrontendURL        string        `mapstructure:"frontend_url" validate:"omitempty,url"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	RateLimitRequests  int           `mapstructure:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window" validate:"min=0"`
	SSEKeepalive       time.Duration `mapstructure:"sse_keepalive" validate:"min=0"`
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size" validate:"min=1"`
}

// StoreConfig selects and configures the checkpoint backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=sqlite file"`
	DBPath        string        `mapstructure:"db_path" validate:"required_if=Backend sqlite"`
	Dir           string        `mapstructure:"dir" validate:"required_if=Backend file"`
	RunTTL        time.Duration `mapstructure:"run_ttl" validate:"min=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=0"`
}

// LLMConfig configures text completion.
type LLMConfig struct {
	Provider          string  `mapstructure:"provider" validate:"oneof=openai grpc"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url" validate:"omitempty,url"`
	Model             string  `mapstructure:"model" validate:"required"`
	ReportModel       string  `mapstructure:"report_model"`
	Temperature       float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	ReportTemperature float32 `mapstructure:"report_temperature" validate:"min=0,max=2"`
	SidecarAddr       string  `mapstructure:"sidecar_addr"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"min=0,max=10"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
}

// SearchConfig configures web search.
type SearchConfig struct {
	Provider          string  `mapstructure:"provider" validate:"oneof=tavily"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url" validate:"omitempty,url"`
	MaxResults        int     `mapstructure:"max_results" validate:"min=1,max=20"`
	Depth             string  `mapstructure:"depth" validate:"oneof=basic advanced"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"min=0,max=10"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
}

// ResearchConfig tunes the workflow.
type ResearchConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" validate:"min=1"`
	NodeTimeout       time.Duration `mapstructure:"node_timeout" validate:"min=0"`
	SearchParallelism int           `mapstructure:"search_parallelism" validate:"min=1,max=16"`
	PlanPolicy        string        `mapstructure:"plan_policy" validate:"oneof=preserve clamp reject"`
	DedupQueries      bool          `mapstructure:"dedup_queries"`
	PromptsFile       string        `mapstructure:"prompts_file"`
}

// ConfigurationError reports missing provider credentials or an invalid setting.
//
//nolint:revive // config.ConfigurationError reads fine at call sites.
type ConfigurationError struct {
	Missing []string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return "missing configuration: " + strings.Join(e.Missing, ", ")
	}
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:               "8080",
			CORSAllowedOrigins: []string{"*"},
			RateLimitRequests:  30,
			RateLimitWindow:    time.Minute,
			SSEKeepalive:       10 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			DBPath:        "./data/research.db",
			Dir:           "./data/checkpoints",
			RunTTL:        7 * 24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Temperature:       0,
			ReportTemperature: 0.7,
			MaxRetries:        2,
		},
		Search: SearchConfig{
			Provider:   "tavily",
			MaxResults: 4,
			Depth:      "basic",
			MaxRetries: 2,
		},
		Research: ResearchConfig{
			MaxSteps:          64,
			NodeTimeout:       2 * time.Minute,
			SearchParallelism: 1,
			PlanPolicy:        "preserve",
		},
		RunLog: runlog.Config{
			Enabled:       true,
			Dir:           "./data/logs/runs",
			GlobalEnabled: false,
			GlobalPath:    "./data/logs/runs/all.ndjson",
			QueueSize:     1000,
		},
	}
}

// Load reads configuration from CONFIG_FILE (if set) and environment variables.
func Load() (*Config, error) {
	return LoadFile(getEnv("CONFIG_FILE", ""))
}

// LoadFile layers defaults, the optional file at path, and the environment,
// then validates the result and checks provider credentials.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	if missing := cfg.MissingCredentials(); len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.FrontendURL = getEnv("FRONTEND_URL", c.Server.FrontendURL)
	c.Server.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.Server.CORSAllowedOrigins)
	c.Server.RateLimitRequests = getEnvInt("RATE_LIMIT_REQUESTS", c.Server.RateLimitRequests)
	c.Server.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", c.Server.RateLimitWindow)
	c.Server.SSEKeepalive = getEnvDuration("SSE_KEEPALIVE", c.Server.SSEKeepalive)
	c.Server.MaxRequestBodySize = int64(getEnvInt("MAX_REQUEST_BODY_SIZE", int(c.Server.MaxRequestBodySize)))

	c.Store.Backend = getEnv("CHECKPOINT_BACKEND", c.Store.Backend)
	c.Store.DBPath = getEnv("DB_PATH", c.Store.DBPath)
	c.Store.Dir = getEnv("CHECKPOINT_DIR", c.Store.Dir)
	c.Store.RunTTL = getEnvDuration("RUN_TTL", c.Store.RunTTL)
	c.Store.SweepInterval = getEnvDuration("RUN_TTL_SWEEP_INTERVAL", c.Store.SweepInterval)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.ReportModel = getEnv("LLM_REPORT_MODEL", c.LLM.ReportModel)
	c.LLM.Temperature = getEnvFloat32("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.ReportTemperature = getEnvFloat32("LLM_REPORT_TEMPERATURE", c.LLM.ReportTemperature)
	c.LLM.SidecarAddr = getEnv("LLM_SIDECAR_ADDR", c.LLM.SidecarAddr)
	c.LLM.MaxRetries = getEnvInt("LLM_MAX_RETRIES", c.LLM.MaxRetries)
	c.LLM.RequestsPerSecond = getEnvFloat("LLM_REQUESTS_PER_SECOND", c.LLM.RequestsPerSecond)

	c.Search.Provider = getEnv("SEARCH_PROVIDER", c.Search.Provider)
	c.Search.APIKey = getEnv("TAVILY_API_KEY", c.Search.APIKey)
	c.Search.BaseURL = getEnv("TAVILY_BASE_URL", c.Search.BaseURL)
	c.Search.MaxResults = getEnvInt("SEARCH_MAX_RESULTS", c.Search.MaxResults)
	c.Search.Depth = getEnv("SEARCH_DEPTH", c.Search.Depth)
	c.Search.MaxRetries = getEnvInt("SEARCH_MAX_RETRIES", c.Search.MaxRetries)
	c.Search.RequestsPerSecond = getEnvFloat("SEARCH_REQUESTS_PER_SECOND", c.Search.RequestsPerSecond)

	c.Research.MaxSteps = getEnvInt("RESEARCH_MAX_STEPS", c.Research.MaxSteps)
	c.Research.NodeTimeout = getEnvDuration("RESEARCH_NODE_TIMEOUT", c.Research.NodeTimeout)
	c.Research.SearchParallelism = getEnvInt("RESEARCH_SEARCH_PARALLELISM", c.Research.SearchParallelism)
	c.Research.PlanPolicy = getEnv("RESEARCH_PLAN_POLICY", c.Research.PlanPolicy)
	c.Research.DedupQueries = getEnvBool("RESEARCH_DEDUP_QUERIES", c.Research.DedupQueries)
	c.Research.PromptsFile = getEnv("RESEARCH_PROMPTS_FILE", c.Research.PromptsFile)

	c.RunLog.Enabled = getEnvBool("RUN_LOG_ENABLED", c.RunLog.Enabled)
	c.RunLog.Dir = getEnv("RUN_LOG_DIR", c.RunLog.Dir)
	c.RunLog.GlobalEnabled = getEnvBool("RUN_LOG_GLOBAL_ENABLED", c.RunLog.GlobalEnabled)
	c.RunLog.GlobalPath = getEnv("RUN_LOG_GLOBAL_PATH", c.RunLog.GlobalPath)
	c.RunLog.QueueSize = getEnvInt("RUN_LOG_QUEUE_SIZE", c.RunLog.QueueSize)
	if c.RunLog.QueueSize <= 0 {
		c.RunLog.QueueSize = 1000
	}
}

var validate = validator.New()

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.RunLog.Enabled && c.RunLog.Dir == "" {
		return errors.New("RUN_LOG_DIR cannot be empty when the run log is enabled")
	}
	if c.RunLog.GlobalEnabled && c.RunLog.GlobalPath == "" {
		return errors.New("RUN_LOG_GLOBAL_PATH cannot be empty when the global run log is enabled")
	}
	return nil
}

// MissingCredentials lists the environment keys the selected providers need but lack.
func (c *Config) MissingCredentials() []string {
	var missing []string
	switch c.LLM.Provider {
	case "openai":
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case "grpc":
		if strings.TrimSpace(c.LLM.SidecarAddr) == "" {
			missing = append(missing, "LLM_SIDECAR_ADDR")
		}
	}
	if c.Search.Provider == "tavily" && strings.TrimSpace(c.Search.APIKey) == "" {
		missing = append(missing, "TAVILY_API_KEY")
	}
	return missing
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.FrontendURL == "" ||
		strings.Contains(c.Server.FrontendURL, "localhost") ||
		strings.Contains(c.Server.FrontendURL, "127.0.0.1")
}

// Redacted returns a copy with secrets masked, for logging.
func (c *Config) Redacted() Config {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = strings.Repeat("*", 8)
	}
	if out.Search.APIKey != "" {
		out.Search.APIKey = strings.Repeat("*", 8)
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvFloat32(key string, fallback float32) float32 {
	return float32(getEnvFloat(key, float64(fallback)))
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
