package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/storyforge/internal/cost"
	"gopkg.in/yaml.v3"
)

// ProviderConfig is the per-vendor AI configuration. APIKey may be a
// "secret:<name>" reference resolved at startup.
type ProviderConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	MaxTokens       int           `yaml:"max_tokens"`
	Temperature     float64       `yaml:"temperature"`
	CostPer1KTokens float64       `yaml:"cost_per_1k_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
}

type ImagePricingRule struct {
	Pattern            string  `yaml:"pattern"`
	CostPerInputImage  float64 `yaml:"cost_per_input_image"`
	CostPerOutputImage float64 `yaml:"cost_per_output_image"`
}

type ModerationConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Model         string  `yaml:"model"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// AIConfig can be supplied as a YAML file through AI_CONFIG_FILE.
type AIConfig struct {
	DefaultProvider      string                    `yaml:"default_provider"`
	DefaultImageProvider string                    `yaml:"default_image_provider"`
	Providers            map[string]ProviderConfig `yaml:"providers"`
	ImagePricing         []ImagePricingRule        `yaml:"image_pricing"`
	ImageFallback        *ImagePricingRule         `yaml:"image_fallback"`
	Moderation           ModerationConfig          `yaml:"moderation"`
}

// Provider names the service knows how to build.
var (
	TextProviders  = []string{"openai", "llama", "ollama", "anthropic", "bedrock"}
	ImageProviders = []string{"replicate", "stability"}
)

type Config struct {
	Addr           string
	LogLevel       string
	RedisURL       string
	DatabaseURL    string
	DatabaseDriver string
	SQLitePath     string
	OTLPEndpoint   string
	AWSRegion      string
	EncryptionKey  string
	AIConfigFile   string

	AI AIConfig

	MonthlyBudgetUSD float64
	RateLimitRPM     int

	S3Bucket      string
	S3PublicURL   string
	SQSQueueURL   string
	SNSTopicARN   string
	BedrockRegion string

	TranscribePollInterval time.Duration
	TranscribeMaxAttempts  int

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	JobMaxAttempts     int
	JobRetryFor        time.Duration

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		DatabaseDriver:               getEnv("DATABASE_DRIVER", "postgres"),
		SQLitePath:                   getEnv("SQLITE_PATH", "storyforge.db"),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		AIConfigFile:                 getEnv("AI_CONFIG_FILE", ""),
		AI:                           aiFromEnv(),
		MonthlyBudgetUSD:             getFloatEnv("MONTHLY_BUDGET_USD", 0),
		RateLimitRPM:                 getIntEnv("RATE_LIMIT_RPM", 60),
		S3Bucket:                     getEnv("S3_BUCKET", ""),
		S3PublicURL:                  getEnv("S3_PUBLIC_URL", ""),
		SQSQueueURL:                  getEnv("SQS_QUEUE_URL", ""),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		BedrockRegion:                getEnv("BEDROCK_REGION", ""),
		TranscribePollInterval:       getDurationEnv("TRANSCRIBE_POLL_INTERVAL", 5*time.Second),
		TranscribeMaxAttempts:        getIntEnv("TRANSCRIBE_MAX_ATTEMPTS", 60),
		WorkerConcurrency:            getIntEnv("WORKER_CONCURRENCY", 2),
		WorkerPollInterval:           getDurationEnv("WORKER_POLL_INTERVAL", time.Second),
		JobMaxAttempts:               getIntEnv("JOB_MAX_ATTEMPTS", 3),
		JobRetryFor:                  getDurationEnv("JOB_RETRY_FOR", 15*time.Minute),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if cfg.AIConfigFile != "" {
		file, err := LoadAIFile(cfg.AIConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.AI = cfg.AI.Merge(file)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// aiFromEnv configures a vendor only when its credential (or, for
// self-hosted and AWS vendors, its switch) is present.
func aiFromEnv() AIConfig {
	ai := AIConfig{
		DefaultProvider:      getEnv("DEFAULT_PROVIDER", "openai"),
		DefaultImageProvider: getEnv("DEFAULT_IMAGE_PROVIDER", "replicate"),
		Providers:            make(map[string]ProviderConfig),
		Moderation: ModerationConfig{
			Enabled:       getEnv("MODERATION_ENABLED", "false") == "true",
			Model:         getEnv("MODERATION_MODEL", "omni-moderation-latest"),
			MinConfidence: getFloatEnv("MODERATION_MIN_CONFIDENCE", 0.5),
		},
	}

	add := func(name, keyEnv string, enabled bool, defaultCost float64) {
		if !enabled {
			return
		}
		prefix := strings.ToUpper(name) + "_"
		ai.Providers[name] = ProviderConfig{
			APIKey:          getEnv(keyEnv, ""),
			BaseURL:         getEnv(prefix+"BASE_URL", ""),
			Model:           getEnv(prefix+"MODEL", ""),
			MaxTokens:       getIntEnv(prefix+"MAX_TOKENS", 0),
			Temperature:     getFloatEnv(prefix+"TEMPERATURE", 0.7),
			CostPer1KTokens: getFloatEnv(prefix+"COST_PER_1K_TOKENS", defaultCost),
			Timeout:         getDurationEnv(prefix+"TIMEOUT", 0),
		}
	}

	add("openai", "OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY") != "", 0.002)
	add("llama", "LLAMA_API_KEY", os.Getenv("LLAMA_API_KEY") != "", 0.001)
	add("ollama", "", os.Getenv("OLLAMA_BASE_URL") != "", 0)
	add("anthropic", "ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY") != "", 0.004)
	add("bedrock", "", os.Getenv("BEDROCK_ENABLED") == "true", 0.004)
	add("replicate", "REPLICATE_API_TOKEN", os.Getenv("REPLICATE_API_TOKEN") != "", 0)
	add("stability", "STABILITY_API_KEY", os.Getenv("STABILITY_API_KEY") != "", 0)

	return ai
}

// LoadAIFile reads a YAML AI configuration.
func LoadAIFile(path string) (AIConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return AIConfig{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return AIConfig{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var ai AIConfig
	if err := yaml.Unmarshal(data, &ai); err != nil {
		return AIConfig{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return ai, nil
}

// Merge overlays the set fields of other onto c. Provider entries are
// merged field by field. A non-empty pricing table replaces the current one.
func (c AIConfig) Merge(other AIConfig) AIConfig {
	out := c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers)+len(other.Providers))
	for name, p := range c.Providers {
		out.Providers[name] = p
	}

	if other.DefaultProvider != "" {
		out.DefaultProvider = other.DefaultProvider
	}
	if other.DefaultImageProvider != "" {
		out.DefaultImageProvider = other.DefaultImageProvider
	}
	for name, p := range other.Providers {
		out.Providers[name] = out.Providers[name].merge(p)
	}
	if len(other.ImagePricing) > 0 {
		out.ImagePricing = other.ImagePricing
	}
	if other.ImageFallback != nil {
		out.ImageFallback = other.ImageFallback
	}
	if other.Moderation.Enabled {
		out.Moderation.Enabled = true
	}
	if other.Moderation.Model != "" {
		out.Moderation.Model = other.Moderation.Model
	}
	if other.Moderation.MinConfidence > 0 {
		out.Moderation.MinConfidence = other.Moderation.MinConfidence
	}
	return out
}

func (p ProviderConfig) merge(o ProviderConfig) ProviderConfig {
	if o.APIKey != "" {
		p.APIKey = o.APIKey
	}
	if o.BaseURL != "" {
		p.BaseURL = o.BaseURL
	}
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.MaxTokens != 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.Temperature != 0 {
		p.Temperature = o.Temperature
	}
	if o.CostPer1KTokens != 0 {
		p.CostPer1KTokens = o.CostPer1KTokens
	}
	if o.Timeout != 0 {
		p.Timeout = o.Timeout
	}
	return p
}

// ImagePricingTable builds the image price list. Without configured rules
// the built-in table is used.
func (c AIConfig) ImagePricingTable() *cost.ImagePricing {
	fallback := cost.DefaultImageRate
	if c.ImageFallback != nil {
		fallback = cost.ImageRate{
			CostPerInputImage:  c.ImageFallback.CostPerInputImage,
			CostPerOutputImage: c.ImageFallback.CostPerOutputImage,
		}
	}
	if len(c.ImagePricing) == 0 {
		return cost.NewImagePricing(cost.DefaultImageRules, fallback)
	}

	rules := make([]cost.ImageRule, 0, len(c.ImagePricing))
	for _, r := range c.ImagePricing {
		rules = append(rules, cost.ImageRule{
			Pattern: r.Pattern,
			Rate: cost.ImageRate{
				CostPerInputImage:  r.CostPerInputImage,
				CostPerOutputImage: r.CostPerOutputImage,
			},
		})
	}
	return cost.NewImagePricing(rules, fallback)
}

// ConfiguredProviders lists the configured vendors in name order.
func (c AIConfig) ConfiguredProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Validate() error {
	known := make(map[string]bool)
	for _, name := range append(append([]string{}, TextProviders...), ImageProviders...) {
		known[name] = true
	}

	for name, p := range c.AI.Providers {
		if !known[name] {
			return fmt.Errorf("provider %s: unknown provider", name)
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("provider %s: temperature must be between 0 and 2, got %v", name, p.Temperature)
		}
		if p.CostPer1KTokens < 0 || p.MaxTokens < 0 || p.Timeout < 0 {
			return fmt.Errorf("provider %s: cost, max_tokens and timeout must not be negative", name)
		}
	}

	for i, r := range c.AI.ImagePricing {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("image_pricing[%d]: pattern must not be empty", i)
		}
		if r.CostPerInputImage < 0 || r.CostPerOutputImage < 0 {
			return fmt.Errorf("image_pricing[%d]: costs must not be negative", i)
		}
	}

	if m := c.AI.Moderation.MinConfidence; m < 0 || m > 1 {
		return fmt.Errorf("moderation.min_confidence must be between 0 and 1, got %v", m)
	}

	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}

	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.JobMaxAttempts)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds or a Go duration string.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
