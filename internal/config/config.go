package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix is the environment variable prefix used for overrides.
const envPrefix = "RAPIDALLE"

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config.yaml"

// Cache backends.
const (
	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
)

// AppConfig carries process-level options resolved from flags.
type AppConfig struct {
	ConfigPath string
}

// Config is the root configuration loaded from YAML and the environment.
type Config struct {
	Path string `yaml:"-" ignored:"true"` // Resolved config file path, empty for env-only.

	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Media      MediaConfig      `yaml:"media"`
	Generation GenerationConfig `yaml:"generation"`
	RateLimit  RateLimitConfig  `yaml:"rate-limit" envconfig:"RATE_LIMIT"`
	Billing    BillingConfig    `yaml:"billing"`
	Usage      UsageConfig      `yaml:"usage"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors-origins" envconfig:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds the database connection string.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig holds signing settings for user, admin and run tokens.
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Expiry         time.Duration `yaml:"expiry"`
	RunTokenExpiry time.Duration `yaml:"run-token-expiry" envconfig:"RUN_TOKEN_EXPIRY"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max-backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max-age-days" envconfig:"MAX_AGE_DAYS"`
	JSON       bool   `yaml:"json"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	FilePath        string        `yaml:"file-path" envconfig:"FILE_PATH"`
	PersistInterval time.Duration `yaml:"persist-interval" envconfig:"PERSIST_INTERVAL"`
	RedisAddr       string        `yaml:"redis-addr" envconfig:"REDIS_ADDR"`
	RedisPassword   string        `yaml:"redis-password" envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `yaml:"redis-db" envconfig:"REDIS_DB"`
	KeyPrefix       string        `yaml:"key-prefix" envconfig:"KEY_PREFIX"`
}

// OpenAIConfig configures the text and image generation provider.
type OpenAIConfig struct {
	APIKey          string        `yaml:"api-key" envconfig:"API_KEY"`
	BaseURL         string        `yaml:"base-url" envconfig:"BASE_URL"`
	ChatModel       string        `yaml:"chat-model" envconfig:"CHAT_MODEL"`
	CompletionModel string        `yaml:"completion-model" envconfig:"COMPLETION_MODEL"`
	ImageModel      string        `yaml:"image-model" envconfig:"IMAGE_MODEL"`
	ImageQuality    string        `yaml:"image-quality" envconfig:"IMAGE_QUALITY"`
	Temperature     float32       `yaml:"temperature"`
	RequestTimeout  time.Duration `yaml:"request-timeout" envconfig:"REQUEST_TIMEOUT"`
}

// MediaConfig configures S3-compatible image re-hosting.
type MediaConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access-key-id" envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret-access-key" envconfig:"SECRET_ACCESS_KEY"`
	PublicBaseURL   string `yaml:"public-base-url" envconfig:"PUBLIC_BASE_URL"`
	PathStyle       bool   `yaml:"path-style" envconfig:"PATH_STYLE"`
	KeyPrefix       string `yaml:"key-prefix" envconfig:"KEY_PREFIX"`
}

// RetryConfig describes the exponential backoff applied to pipeline runs.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max-attempts" envconfig:"MAX_ATTEMPTS"`
	MinTimeout  time.Duration `yaml:"min-timeout" envconfig:"MIN_TIMEOUT"`
	MaxTimeout  time.Duration `yaml:"max-timeout" envconfig:"MAX_TIMEOUT"`
	Factor      float64       `yaml:"factor"`
	Randomize   bool          `yaml:"randomize"`
}

// GenerationConfig configures the generation gate and run execution.
type GenerationConfig struct {
	CostPerImage    int64         `yaml:"cost-per-image" envconfig:"COST_PER_IMAGE"`
	InitialCredits  int64         `yaml:"initial-credits" envconfig:"INITIAL_CREDITS"`
	MaxPromptLength int           `yaml:"max-prompt-length" envconfig:"MAX_PROMPT_LENGTH"`
	Sizes           []string      `yaml:"sizes"`
	DefaultSize     string        `yaml:"default-size" envconfig:"DEFAULT_SIZE"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue-size" envconfig:"QUEUE_SIZE"`
	MaxDuration     time.Duration `yaml:"max-duration" envconfig:"MAX_DURATION"`
	Retry           RetryConfig   `yaml:"retry"`
	RunTTL          time.Duration `yaml:"run-ttl" envconfig:"RUN_TTL"`
	MaxRuns         int           `yaml:"max-runs" envconfig:"MAX_RUNS"`
}

// RateLimitConfig configures the per-user fixed window limiter.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max-requests" envconfig:"MAX_REQUESTS"`
}

// CreditPack is a purchasable bundle of credits.
type CreditPack struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Credits      int64  `yaml:"credits"`
	PriceID      string `yaml:"price-id"`
	Subscription bool   `yaml:"subscription"`
}

// BillingConfig configures Stripe checkout and webhooks.
type BillingConfig struct {
	StripeSecretKey            string       `yaml:"stripe-secret-key" envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret        string       `yaml:"stripe-webhook-secret" envconfig:"STRIPE_WEBHOOK_SECRET"`
	SuccessURL                 string       `yaml:"success-url" envconfig:"SUCCESS_URL"`
	CancelURL                  string       `yaml:"cancel-url" envconfig:"CANCEL_URL"`
	PortalReturnURL            string       `yaml:"portal-return-url" envconfig:"PORTAL_RETURN_URL"`
	Packs                      []CreditPack `yaml:"packs" ignored:"true"`
	SubscriptionMonthlyCredits int64        `yaml:"subscription-monthly-credits" envconfig:"SUBSCRIPTION_MONTHLY_CREDITS"`
}

// UsageConfig configures usage event retention.
type UsageConfig struct {
	RetentionDays int `yaml:"retention-days" envconfig:"RETENTION_DAYS"`
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		JWT: JWTConfig{
			Expiry:         7 * 24 * time.Hour,
			RunTokenExpiry: 2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Cache: CacheConfig{
			Backend:         CacheBackendFile,
			FilePath:        "./cache/rapidalle.json",
			PersistInterval: time.Minute,
			KeyPrefix:       "rapidalle:",
		},
		OpenAI: OpenAIConfig{
			ChatModel:       "gpt-4o",
			CompletionModel: "gpt-4o-mini",
			ImageModel:      "dall-e-3",
			ImageQuality:    "standard",
			Temperature:     0.8,
			RequestTimeout:  60 * time.Second,
		},
		Media: MediaConfig{
			Region:    "auto",
			KeyPrefix: "generations/",
		},
		Generation: GenerationConfig{
			CostPerImage:    1,
			InitialCredits:  10,
			MaxPromptLength: 1000,
			Sizes:           []string{"256x256", "512x512", "1024x1024", "1024x1792", "1792x1024"},
			DefaultSize:     "1024x1024",
			Workers:         3,
			QueueSize:       256,
			MaxDuration:     2 * time.Hour,
			Retry: RetryConfig{
				MaxAttempts: 5,
				MinTimeout:  2 * time.Second,
				MaxTimeout:  45 * time.Second,
				Factor:      2,
				Randomize:   true,
			},
			RunTTL:  24 * time.Hour,
			MaxRuns: 10000,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Hour,
			MaxRequests: 10,
		},
		Billing: BillingConfig{
			Packs: []CreditPack{
				{ID: "starter", Name: "Starter", Credits: 50},
				{ID: "power", Name: "Power", Credits: 200},
				{ID: "pro", Name: "Pro Monthly", Credits: 500, Subscription: true},
			},
			SubscriptionMonthlyCredits: 500,
		},
		Usage: UsageConfig{
			RetentionDays: 90,
		},
	}
}

// ResolveConfigPath returns an absolute config path, falling back to the default.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultConfigPath
	}
	if abs, errAbs := filepath.Abs(trimmed); errAbs == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML file at path (if it exists), applies RAPIDALLE_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	resolved := ResolveConfigPath(path)

	data, errRead := os.ReadFile(resolved)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
		}
		cfg.Path = resolved
	case errors.Is(errRead, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}

	if errEnv := envconfig.Process(envPrefix, cfg); errEnv != nil {
		return nil, fmt.Errorf("config: env: %w", errEnv)
	}
	cfg.normalize()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN loads only enough configuration to reach the database.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN, nil
}

func (c *Config) normalize() {
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Generation.DefaultSize = strings.TrimSpace(c.Generation.DefaultSize)
	sizes := make([]string, 0, len(c.Generation.Sizes))
	for _, size := range c.Generation.Sizes {
		if trimmed := strings.TrimSpace(size); trimmed != "" {
			sizes = append(sizes, trimmed)
		}
	}
	c.Generation.Sizes = sizes
	c.Media.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Media.PublicBaseURL), "/")
	origins := make([]string, 0, len(c.Server.CORSOrigins))
	for _, origin := range c.Server.CORSOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Server.CORSOrigins = origins
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("config: jwt.secret is required")
	}
	switch c.Cache.Backend {
	case CacheBackendFile:
	case CacheBackendRedis:
		if strings.TrimSpace(c.Cache.RedisAddr) == "" {
			return errors.New("config: cache.redis-addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}

	gen := c.Generation
	if gen.CostPerImage <= 0 {
		return errors.New("config: generation.cost-per-image must be positive")
	}
	if gen.InitialCredits < 0 {
		return errors.New("config: generation.initial-credits must not be negative")
	}
	if gen.MaxPromptLength <= 0 {
		return errors.New("config: generation.max-prompt-length must be positive")
	}
	if len(gen.Sizes) == 0 {
		return errors.New("config: generation.sizes must not be empty")
	}
	if !containsString(gen.Sizes, gen.DefaultSize) {
		return fmt.Errorf("config: generation.default-size %q is not in generation.sizes", gen.DefaultSize)
	}
	if gen.Workers <= 0 || gen.QueueSize <= 0 {
		return errors.New("config: generation.workers and generation.queue-size must be positive")
	}
	if gen.MaxDuration <= 0 {
		return errors.New("config: generation.max-duration must be positive")
	}
	if gen.Retry.MaxAttempts <= 0 {
		return errors.New("config: generation.retry.max-attempts must be positive")
	}

	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return errors.New("config: rate-limit.window and rate-limit.max-requests must be positive")
	}

	if c.Media.Enabled {
		if strings.TrimSpace(c.Media.Bucket) == "" {
			return errors.New("config: media.bucket is required when media is enabled")
		}
		if c.Media.PublicBaseURL == "" {
			return errors.New("config: media.public-base-url is required when media is enabled")
		}
	}

	seen := make(map[string]struct{}, len(c.Billing.Packs))
	for _, pack := range c.Billing.Packs {
		id := strings.TrimSpace(pack.ID)
		if id == "" {
			return errors.New("config: billing.packs entries need an id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate billing pack %q", id)
		}
		if pack.Credits <= 0 {
			return fmt.Errorf("config: billing pack %q must grant credits", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Pack returns the credit pack with the given id.
func (b BillingConfig) Pack(id string) (CreditPack, bool) {
	id = strings.TrimSpace(id)
	for _, pack := range b.Packs {
		if pack.ID == id {
			return pack, true
		}
	}
	return CreditPack{}, false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
