// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DBURL               string        `mapstructure:"DB_URL"`
	HTTPPort            string        `mapstructure:"HTTP_PORT"`
	GithubToken         string        `mapstructure:"GITHUB_TOKEN"`
	GithubWebhookSecret string        `mapstructure:"GITHUB_WEBHOOK_SECRET"`
	APIToken            string        `mapstructure:"API_TOKEN"`
	PageSize            int           `mapstructure:"PAGE_SIZE"`
	QuickMaxRepos       int           `mapstructure:"QUICK_MAX_REPOS"`
	QuickMaxCommits     int           `mapstructure:"QUICK_MAX_COMMITS"`
	QuickLookback       time.Duration `mapstructure:"QUICK_LOOKBACK"`
	StatPrefix          int           `mapstructure:"STAT_PREFIX"`
	PauseEveryPages     int           `mapstructure:"PAUSE_EVERY_PAGES"`
	PauseDuration       time.Duration `mapstructure:"PAUSE_DURATION"`
	InferQueueSize      int           `mapstructure:"INFER_QUEUE_SIZE"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values. Required fields default to empty so AutomaticEnv
	// registers the keys and Unmarshal can see env-only values.
	viper.SetDefault("DB_URL", "")
	viper.SetDefault("GITHUB_TOKEN", "")
	viper.SetDefault("GITHUB_WEBHOOK_SECRET", "")
	viper.SetDefault("API_TOKEN", "")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("PAGE_SIZE", 100)
	viper.SetDefault("QUICK_MAX_REPOS", 10)
	viper.SetDefault("QUICK_MAX_COMMITS", 100)
	viper.SetDefault("QUICK_LOOKBACK", "720h") // 30 days
	viper.SetDefault("STAT_PREFIX", 10)
	viper.SetDefault("PAUSE_EVERY_PAGES", 10)
	viper.SetDefault("PAUSE_DURATION", "500ms")
	viper.SetDefault("INFER_QUEUE_SIZE", 256)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubWebhookSecret == "" {
		return nil, errors.New("GITHUB_WEBHOOK_SECRET is a required configuration field")
	}
	if cfg.APIToken == "" {
		return nil, errors.New("API_TOKEN is a required configuration field")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		return nil, errors.New("PAGE_SIZE must be between 1 and 100")
	}

	return &cfg, nil
}
