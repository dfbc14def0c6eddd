package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BybitConfig        BybitConfig        `json:"bybit"`
	MonitorConfig      MonitorConfig      `json:"monitor"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
}

// BybitConfig holds exchange connectivity for both accounts. Mirror
// credentials are optional; when absent the bot runs main-only.
type BybitConfig struct {
	MainAPIKey      string `json:"main_api_key"`
	MainSecretKey   string `json:"main_secret_key"`
	MirrorAPIKey    string `json:"mirror_api_key"`
	MirrorSecretKey string `json:"mirror_secret_key"`
	TestNet         bool   `json:"testnet"`
	MockMode        bool   `json:"mock_mode"` // Use a scripted client instead of the live API
}

// MirrorEnabled reports whether mirror-account credentials are configured.
func (c *BybitConfig) MirrorEnabled() bool {
	return c.MirrorAPIKey != "" && c.MirrorSecretKey != ""
}

// MonitorConfig holds the reconciliation engine tunables.
type MonitorConfig struct {
	IntervalSeconds    int     `json:"interval_seconds"`     // Seconds between reconciliation cycles
	Workers            int     `json:"workers"`              // Concurrent monitor passes
	FillMatchTolerance float64 `json:"fill_match_tolerance"` // Relative tolerance for matching a size diff to a leg
	QuantityEpsilon    float64 `json:"quantity_epsilon"`     // Amend threshold; smaller deltas are left alone
	SnapshotPath       string  `json:"snapshot_path"`        // Monitor state file
	StreamEnabled      bool    `json:"stream_enabled"`       // Private order stream for reconcile hints

	// AdoptSymbols lists symbols checked at startup for live positions
	// that have no monitor yet. Found orphans are adopted.
	AdoptSymbols []string `json:"adopt_symbols"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	// ChatID is the operator chat for main-account monitors. Mirror
	// monitors carry no chat id and stay silent.
	ChatID int64 `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// DatabaseConfig holds PostgreSQL settings for the closed-position archive.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for the monitor state mirror.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Environment
// values take precedence over config.json.
func applyEnvOverrides(cfg *Config) {
	// Bybit credentials come from environment only in production setups.
	cfg.BybitConfig.MainAPIKey = getEnvOrDefault("BYBIT_MAIN_API_KEY", cfg.BybitConfig.MainAPIKey)
	cfg.BybitConfig.MainSecretKey = getEnvOrDefault("BYBIT_MAIN_SECRET_KEY", cfg.BybitConfig.MainSecretKey)
	cfg.BybitConfig.MirrorAPIKey = getEnvOrDefault("BYBIT_MIRROR_API_KEY", cfg.BybitConfig.MirrorAPIKey)
	cfg.BybitConfig.MirrorSecretKey = getEnvOrDefault("BYBIT_MIRROR_SECRET_KEY", cfg.BybitConfig.MirrorSecretKey)
	if v := os.Getenv("BYBIT_TESTNET"); v != "" {
		cfg.BybitConfig.TestNet = v == "true"
	}
	if v := os.Getenv("BYBIT_MOCK_MODE"); v != "" {
		cfg.BybitConfig.MockMode = v == "true"
	}

	// Monitor config
	cfg.MonitorConfig.IntervalSeconds = getEnvIntOrDefault("MONITOR_INTERVAL_SECONDS", cfg.MonitorConfig.IntervalSeconds)
	cfg.MonitorConfig.Workers = getEnvIntOrDefault("MONITOR_WORKERS", cfg.MonitorConfig.Workers)
	cfg.MonitorConfig.FillMatchTolerance = getEnvFloatOrDefault("MONITOR_FILL_MATCH_TOLERANCE", cfg.MonitorConfig.FillMatchTolerance)
	cfg.MonitorConfig.QuantityEpsilon = getEnvFloatOrDefault("MONITOR_QUANTITY_EPSILON", cfg.MonitorConfig.QuantityEpsilon)
	cfg.MonitorConfig.SnapshotPath = getEnvOrDefault("MONITOR_SNAPSHOT_PATH", cfg.MonitorConfig.SnapshotPath)
	if v := os.Getenv("MONITOR_STREAM_ENABLED"); v != "" {
		cfg.MonitorConfig.StreamEnabled = v == "true"
	}

	// Notification config
	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.NotificationConfig.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.NotificationConfig.Telegram.Enabled = v == "true"
	}
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.NotificationConfig.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("DISCORD_ENABLED"); v != "" {
		cfg.NotificationConfig.Discord.Enabled = v == "true"
	}
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	// Database config
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
}

func applyDefaults(cfg *Config) {
	if cfg.MonitorConfig.IntervalSeconds <= 0 {
		cfg.MonitorConfig.IntervalSeconds = 8
	}
	if cfg.MonitorConfig.Workers <= 0 {
		cfg.MonitorConfig.Workers = 4
	}
	if cfg.MonitorConfig.FillMatchTolerance <= 0 {
		cfg.MonitorConfig.FillMatchTolerance = 0.01
	}
	if cfg.MonitorConfig.QuantityEpsilon <= 0 {
		cfg.MonitorConfig.QuantityEpsilon = 0.000001
	}
	if cfg.MonitorConfig.SnapshotPath == "" {
		cfg.MonitorConfig.SnapshotPath = "data/monitors.json"
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
}

// Validate rejects configurations the bot cannot safely run with.
func (c *Config) Validate() error {
	if !c.BybitConfig.MockMode {
		if c.BybitConfig.MainAPIKey == "" || c.BybitConfig.MainSecretKey == "" {
			return fmt.Errorf("bybit main account credentials are required (BYBIT_MAIN_API_KEY / BYBIT_MAIN_SECRET_KEY)")
		}
		if (c.BybitConfig.MirrorAPIKey == "") != (c.BybitConfig.MirrorSecretKey == "") {
			return fmt.Errorf("bybit mirror account credentials must be set together or not at all")
		}
	}
	if c.MonitorConfig.FillMatchTolerance >= 1 {
		return fmt.Errorf("monitor fill_match_tolerance must be a fraction below 1, got %v", c.MonitorConfig.FillMatchTolerance)
	}
	if c.NotificationConfig.Telegram.Enabled && c.NotificationConfig.Telegram.BotToken == "" {
		return fmt.Errorf("telegram notifications enabled but TELEGRAM_BOT_TOKEN is empty")
	}
	return nil
}

// Interval returns the reconciliation cadence as a duration.
func (c *MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
