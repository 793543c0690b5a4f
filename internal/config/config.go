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

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrReadConfig    = errors.New("failed to read config file")
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	// PlaceholderAPIKey is the value shipped in sample configs; it selects simulated mode.
	PlaceholderAPIKey = "your-api-key-here"

	configName = "config"
	configType = "json"
	envPrefix  = "PAI"
)

// Config holds the global productivai configuration.
type Config struct {
	APIKey             string
	BaseURL            string
	DefaultModel       string
	QuickReplyModel    string // Model for quick replies and task extraction (cheap/fast)
	Referer            string // Sent as HTTP-Referer
	AppTitle           string // Sent as X-Title
	DBPath             string
	ProfilePath        string
	HistoryTokenBudget int
	MaxRetries         int           // Attempts for non-streaming completions
	RetryDelay         time.Duration // First backoff interval, doubled per attempt
	SimulatedDelay     time.Duration // Delay between simulated tokens
	LogLevel           string
}

// Simulated reports whether no usable API key is configured. The assistant
// then runs against the simulated backend instead of failing.
func (c *Config) Simulated() bool {
	key := strings.TrimSpace(c.APIKey)
	return key == "" || key == PlaceholderAPIKey
}

// Load reads ~/.config/productivai/config.json plus PAI_* environment overrides.
// A missing file is not an error.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(filepath.Join(homeDir, ".config", "productivai"))
	return LoadFrom(v)
}

// LoadFrom applies defaults and environment bindings to v, reads its config
// file if one is configured, and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".productivai")

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("default_model", "google/gemini-2.0-flash-001")
	v.SetDefault("quick_reply_model", "mistralai/mistral-7b-instruct:free")
	v.SetDefault("referer", "http://localhost")
	v.SetDefault("app_title", "ProductivAI")
	v.SetDefault("db_path", filepath.Join(dataDir, "productivai.db"))
	v.SetDefault("profile_path", filepath.Join(dataDir, "profile.toml"))
	v.SetDefault("history_token_budget", 12000)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", "1s")
	v.SetDefault("simulated_delay", "50ms")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrReadConfig, err)
		}
	}

	cfg := &Config{
		APIKey:             v.GetString("api_key"),
		BaseURL:            strings.TrimSuffix(v.GetString("base_url"), "/"),
		DefaultModel:       v.GetString("default_model"),
		QuickReplyModel:    v.GetString("quick_reply_model"),
		Referer:            v.GetString("referer"),
		AppTitle:           v.GetString("app_title"),
		DBPath:             v.GetString("db_path"),
		ProfilePath:        v.GetString("profile_path"),
		HistoryTokenBudget: v.GetInt("history_token_budget"),
		MaxRetries:         v.GetInt("max_retries"),
		RetryDelay:         v.GetDuration("retry_delay"),
		SimulatedDelay:     v.GetDuration("simulated_delay"),
		LogLevel:           v.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("%w: base_url must be an http(s) URL, got %q", ErrInvalidConfig, c.BaseURL)
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("%w: default_model is empty", ErrInvalidConfig)
	}
	if c.QuickReplyModel == "" {
		c.QuickReplyModel = c.DefaultModel
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be at least 1", ErrInvalidConfig)
	}
	if c.RetryDelay < 0 || c.SimulatedDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	}
	if c.HistoryTokenBudget < 0 {
		return fmt.Errorf("%w: history_token_budget must not be negative", ErrInvalidConfig)
	}
	return nil
}
