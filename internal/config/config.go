package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Counter    CounterConfig    `mapstructure:"counter"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Server     ServerConfig     `mapstructure:"server"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string     `mapstructure:"format" validate:"oneof=json text"`
	Output string     `mapstructure:"output" validate:"oneof=stdout file"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Moderation modes
const (
	ModeSync     = "sync"
	ModeDeferred = "deferred"
)

type ModerationConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Mode              string        `mapstructure:"mode" validate:"oneof=sync deferred"`
	APIKey            string        `mapstructure:"api_key" validate:"required_if=Enabled true"`
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model             string        `mapstructure:"model" validate:"required"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"min=100ms,max=1m"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" validate:"min=1s"`
	CacheMaxSize      int           `mapstructure:"cache_max_size" validate:"gte=0"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" validate:"min=1s"`
	AsyncConcurrency  int           `mapstructure:"async_concurrency" validate:"gte=1"`
	NotifiedCacheSize int           `mapstructure:"notified_cache_size" validate:"gte=1"`
	NotifiedTTL       time.Duration `mapstructure:"notified_ttl" validate:"min=1s"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" validate:"gte=1"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=1s"`
}

type CounterConfig struct {
	Type  string      `mapstructure:"type" validate:"oneof=memory redis"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	Verified         int         `mapstructure:"verified" validate:"gte=1"`
	NewAccount       int         `mapstructure:"new_account" validate:"gte=1"`
	YoungAccount     int         `mapstructure:"young_account" validate:"gte=1"`
	Established      int         `mapstructure:"established" validate:"gte=1"`
	YoungAccountDays int         `mapstructure:"young_account_days" validate:"gte=0"`
	EstablishedDays  int         `mapstructure:"established_days" validate:"gtefield=YoungAccountDays"`
	MaxMessageLength int         `mapstructure:"max_message_length" validate:"gte=1"`
	Flood            FloodConfig `mapstructure:"flood"`
}

type FloodConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	PerSecond float64 `mapstructure:"per_second" validate:"gt=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=1"`
	MaxUsers  int     `mapstructure:"max_users" validate:"gte=1"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port" validate:"min=0,max=65535"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port" validate:"min=0,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RetractionURL receives late moderation flags; empty means log only
	RetractionURL     string        `mapstructure:"retraction_url" validate:"omitempty,url"`
	RetractionTimeout time.Duration `mapstructure:"retraction_timeout"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language" validate:"required"`
	Languages       []string `mapstructure:"languages" validate:"min=1"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 28)

	v.SetDefault("moderation.enabled", true)
	v.SetDefault("moderation.mode", ModeSync)
	v.SetDefault("moderation.model", "omni-moderation-latest")
	v.SetDefault("moderation.timeout", 5*time.Second)
	v.SetDefault("moderation.cache_ttl", time.Hour)
	v.SetDefault("moderation.cache_max_size", 10000)
	v.SetDefault("moderation.cleanup_interval", 10*time.Minute)
	v.SetDefault("moderation.async_concurrency", 16)
	v.SetDefault("moderation.notified_cache_size", 10000)
	v.SetDefault("moderation.notified_ttl", 24*time.Hour)
	v.SetDefault("moderation.breaker.max_failures", 5)
	v.SetDefault("moderation.breaker.timeout", 30*time.Second)

	v.SetDefault("counter.type", "memory")
	v.SetDefault("counter.redis.addr", "localhost:6379")

	v.SetDefault("rate_limit.verified", 100)
	v.SetDefault("rate_limit.new_account", 5)
	v.SetDefault("rate_limit.young_account", 20)
	v.SetDefault("rate_limit.established", 50)
	v.SetDefault("rate_limit.young_account_days", 1)
	v.SetDefault("rate_limit.established_days", 7)
	v.SetDefault("rate_limit.max_message_length", 4096)
	v.SetDefault("rate_limit.flood.enabled", false)
	v.SetDefault("rate_limit.flood.per_second", 1.0)
	v.SetDefault("rate_limit.flood.burst", 10)
	v.SetDefault("rate_limit.flood.max_users", 10000)

	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.retraction_timeout", 5*time.Second)

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "es"})
}

// LoadConfig loads configuration from file and environment variables.
// A missing file is not an error when configPath is empty.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MSGSAFETY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("moderation.api_key", "OPENAI_API_KEY")
	v.BindEnv("moderation.base_url", "OPENAI_BASE_URL")
	v.BindEnv("counter.redis.password", "REDIS_PASSWORD")
	v.BindEnv("counter.redis.db", "REDIS_DB")

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Counter.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Logging.Output == "file" && cfg.Logging.File.Path == "" {
		return fmt.Errorf("log file path is required when logging to a file")
	}
	if cfg.Counter.Type == "redis" && cfg.Counter.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for the redis counter store")
	}
	return nil
}
