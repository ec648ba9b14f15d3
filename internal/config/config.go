// Package config handles configuration loading and validation for the pool.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

// MinimumTransactionFee is the lowest fee the network accepts for a
// multi-out transaction, in planck.
const MinimumTransactionFee = 735000

// MaxPayeesPerTransaction is the multi-out recipient limit imposed by the network.
const MaxPayeesPerTransaction = 64

// Config holds all configuration for the pool
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Rounds    RoundsConfig    `mapstructure:"rounds"`
	Payouts   PayoutsConfig   `mapstructure:"payouts"`
	API       APIConfig       `mapstructure:"api"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name       string `mapstructure:"name"`
	URL        string `mapstructure:"url"`
	Passphrase string `mapstructure:"passphrase"`
}

// NodeConfig defines wallet node connection settings
type NodeConfig struct {
	URL                   string        `mapstructure:"url"`
	Timeout               time.Duration `mapstructure:"timeout"`
	SubmitNonceRetryCount int           `mapstructure:"submit_nonce_retry_count"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RoundsConfig defines round tracking and deadline settings
type RoundsConfig struct {
	NAvg                      int           `mapstructure:"n_avg"`
	NMin                      int           `mapstructure:"n_min"`
	MaxDeadline               uint64        `mapstructure:"max_deadline"`
	TargetDeadline            uint64        `mapstructure:"target_deadline"`
	TMin                      uint64        `mapstructure:"t_min"`
	ProcessLag                uint64        `mapstructure:"process_lag"`
	MiningInfoRefreshInterval time.Duration `mapstructure:"mining_info_refresh_interval"`
	ProcessInterval           time.Duration `mapstructure:"process_interval"`
}

// PayoutsConfig defines reward sharing and payment processing settings
type PayoutsConfig struct {
	PoolFeePercentage        float64       `mapstructure:"pool_fee_percentage"`
	WinnerRewardPercentage   float64       `mapstructure:"winner_reward_percentage"`
	PoolFeeRecipient         string        `mapstructure:"pool_fee_recipient"`
	DefaultMinimumPayout     int64         `mapstructure:"default_minimum_payout"`
	MinimumMinimumPayout     int64         `mapstructure:"minimum_minimum_payout"`
	MinPayoutsPerTransaction int           `mapstructure:"min_payouts_per_transaction"`
	TransactionFee           int64         `mapstructure:"transaction_fee"`
	PayoutRetryCount         int           `mapstructure:"payout_retry_count"`
	Interval                 time.Duration `mapstructure:"interval"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// MonitorConfig defines application monitoring settings
type MonitorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/burstpool")
	}

	// Read environment variables
	v.SetEnvPrefix("BURSTPOOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.name", "Burst Mining Pool")

	// Node defaults
	v.SetDefault("node.url", "http://127.0.0.1:8125")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.submit_nonce_retry_count", 3)

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Round defaults
	v.SetDefault("rounds.n_avg", 360)
	v.SetDefault("rounds.n_min", 1)
	v.SetDefault("rounds.max_deadline", 31536000)
	v.SetDefault("rounds.target_deadline", 0)
	v.SetDefault("rounds.t_min", 20)
	v.SetDefault("rounds.process_lag", 10)
	v.SetDefault("rounds.mining_info_refresh_interval", "1s")
	v.SetDefault("rounds.process_interval", "10s")

	// Payout defaults
	v.SetDefault("payouts.pool_fee_percentage", 0.01)
	v.SetDefault("payouts.winner_reward_percentage", 0.2)
	v.SetDefault("payouts.default_minimum_payout", 10000000000)  // 100 coins
	v.SetDefault("payouts.minimum_minimum_payout", 10000000000)
	v.SetDefault("payouts.min_payouts_per_transaction", 10)
	v.SetDefault("payouts.transaction_fee", 73500000) // 0.735 coin
	v.SetDefault("payouts.payout_retry_count", 3)
	v.SetDefault("payouts.interval", "1m")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Monitor defaults
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.app_name", "burstpool")

	// Notify defaults
	v.SetDefault("notify.enabled", false)

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}

	if c.Pool.Passphrase == "" {
		return fmt.Errorf("pool.passphrase is required")
	}

	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}

	if c.Rounds.NAvg <= 0 {
		return fmt.Errorf("rounds.n_avg must be > 0")
	}

	if c.Rounds.NMin < 1 {
		return fmt.Errorf("rounds.n_min must be >= 1")
	}

	if c.Rounds.MaxDeadline == 0 {
		return fmt.Errorf("rounds.max_deadline must be > 0")
	}

	if c.Payouts.PoolFeePercentage < 0 || c.Payouts.PoolFeePercentage > 1 {
		return fmt.Errorf("payouts.pool_fee_percentage must be between 0 and 1")
	}

	if c.Payouts.WinnerRewardPercentage < 0 || c.Payouts.WinnerRewardPercentage > 1 {
		return fmt.Errorf("payouts.winner_reward_percentage must be between 0 and 1")
	}

	if c.Payouts.PoolFeePercentage+c.Payouts.WinnerRewardPercentage > 1 {
		return fmt.Errorf("payouts.pool_fee_percentage + payouts.winner_reward_percentage must not exceed 1")
	}

	if c.Payouts.PoolFeeRecipient == "" {
		return fmt.Errorf("payouts.pool_fee_recipient is required")
	}

	if c.Payouts.MinPayoutsPerTransaction < 2 || c.Payouts.MinPayoutsPerTransaction > MaxPayeesPerTransaction {
		return fmt.Errorf("payouts.min_payouts_per_transaction must be between 2 and %d", MaxPayeesPerTransaction)
	}

	if c.Payouts.TransactionFee < MinimumTransactionFee {
		return fmt.Errorf("payouts.transaction_fee must be at least %d planck", MinimumTransactionFee)
	}

	if c.Payouts.MinimumMinimumPayout <= 0 {
		return fmt.Errorf("payouts.minimum_minimum_payout must be > 0")
	}

	if c.Payouts.DefaultMinimumPayout < c.Payouts.MinimumMinimumPayout {
		return fmt.Errorf("payouts.default_minimum_payout must be >= minimum_minimum_payout")
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
			return fmt.Errorf("api.bind is invalid: %w", err)
		}
	}

	return nil
}
