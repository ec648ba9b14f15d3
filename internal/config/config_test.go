package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Pool: PoolConfig{
			Name:       "Test Pool",
			Passphrase: "correct horse battery staple",
		},
		Node: NodeConfig{
			URL:     "http://127.0.0.1:8125",
			Timeout: 10 * time.Second,
		},
		Rounds: RoundsConfig{
			NAvg:        360,
			NMin:        1,
			MaxDeadline: 31536000,
			ProcessLag:  10,
		},
		Payouts: PayoutsConfig{
			PoolFeePercentage:        0.01,
			WinnerRewardPercentage:   0.2,
			PoolFeeRecipient:         "10282355196851764065",
			DefaultMinimumPayout:     10000000000,
			MinimumMinimumPayout:     10000000000,
			MinPayoutsPerTransaction: 10,
			TransactionFee:           73500000,
		},
		API: APIConfig{
			Enabled: true,
			Bind:    "0.0.0.0:8080",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing pool name",
			mutate:  func(c *Config) { c.Pool.Name = "" },
			wantErr: true,
			errMsg:  "pool.name is required",
		},
		{
			name:    "missing passphrase",
			mutate:  func(c *Config) { c.Pool.Passphrase = "" },
			wantErr: true,
			errMsg:  "pool.passphrase is required",
		},
		{
			name:    "missing node url",
			mutate:  func(c *Config) { c.Node.URL = "" },
			wantErr: true,
			errMsg:  "node.url is required",
		},
		{
			name:    "zero n_avg",
			mutate:  func(c *Config) { c.Rounds.NAvg = 0 },
			wantErr: true,
			errMsg:  "rounds.n_avg must be > 0",
		},
		{
			name:    "zero n_min",
			mutate:  func(c *Config) { c.Rounds.NMin = 0 },
			wantErr: true,
			errMsg:  "rounds.n_min must be >= 1",
		},
		{
			name:    "zero max deadline",
			mutate:  func(c *Config) { c.Rounds.MaxDeadline = 0 },
			wantErr: true,
			errMsg:  "rounds.max_deadline must be > 0",
		},
		{
			name:    "pool fee over 1",
			mutate:  func(c *Config) { c.Payouts.PoolFeePercentage = 1.5 },
			wantErr: true,
			errMsg:  "payouts.pool_fee_percentage must be between 0 and 1",
		},
		{
			name:    "negative winner reward",
			mutate:  func(c *Config) { c.Payouts.WinnerRewardPercentage = -0.1 },
			wantErr: true,
			errMsg:  "payouts.winner_reward_percentage must be between 0 and 1",
		},
		{
			name: "shares exceed whole reward",
			mutate: func(c *Config) {
				c.Payouts.PoolFeePercentage = 0.5
				c.Payouts.WinnerRewardPercentage = 0.6
			},
			wantErr: true,
			errMsg:  "payouts.pool_fee_percentage + payouts.winner_reward_percentage must not exceed 1",
		},
		{
			name:    "missing fee recipient",
			mutate:  func(c *Config) { c.Payouts.PoolFeeRecipient = "" },
			wantErr: true,
			errMsg:  "payouts.pool_fee_recipient is required",
		},
		{
			name:    "min payouts below 2",
			mutate:  func(c *Config) { c.Payouts.MinPayoutsPerTransaction = 1 },
			wantErr: true,
			errMsg:  "payouts.min_payouts_per_transaction must be between 2 and 64",
		},
		{
			name:    "min payouts above network cap",
			mutate:  func(c *Config) { c.Payouts.MinPayoutsPerTransaction = 65 },
			wantErr: true,
			errMsg:  "payouts.min_payouts_per_transaction must be between 2 and 64",
		},
		{
			name:    "transaction fee below network minimum",
			mutate:  func(c *Config) { c.Payouts.TransactionFee = 100 },
			wantErr: true,
			errMsg:  "payouts.transaction_fee must be at least 735000 planck",
		},
		{
			name:    "zero minimum minimum payout",
			mutate:  func(c *Config) { c.Payouts.MinimumMinimumPayout = 0 },
			wantErr: true,
			errMsg:  "payouts.minimum_minimum_payout must be > 0",
		},
		{
			name: "default payout below floor",
			mutate: func(c *Config) {
				c.Payouts.DefaultMinimumPayout = 100
				c.Payouts.MinimumMinimumPayout = 10000000000
			},
			wantErr: true,
			errMsg:  "payouts.default_minimum_payout must be >= minimum_minimum_payout",
		},
		{
			name:    "invalid api bind",
			mutate:  func(c *Config) { c.API.Bind = "not-a-bind" },
			wantErr: true,
		},
		{
			name: "invalid api bind ignored when disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Bind = "not-a-bind"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got nil")
				} else if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("Error = %q, want %q", err.Error(), tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
			}
		})
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
pool:
  name: "Test Pool"
  passphrase: "correct horse battery staple"

node:
  url: "http://127.0.0.1:8125"
  timeout: 10s

rounds:
  n_avg: 240
  n_min: 2
  max_deadline: 31536000
  process_lag: 5

payouts:
  pool_fee_recipient: "10282355196851764065"
  min_payouts_per_transaction: 16
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.Name != "Test Pool" {
		t.Errorf("Pool.Name = %s, want Test Pool", cfg.Pool.Name)
	}

	if cfg.Rounds.NAvg != 240 {
		t.Errorf("Rounds.NAvg = %d, want 240", cfg.Rounds.NAvg)
	}

	if cfg.Rounds.NMin != 2 {
		t.Errorf("Rounds.NMin = %d, want 2", cfg.Rounds.NMin)
	}

	if cfg.Payouts.MinPayoutsPerTransaction != 16 {
		t.Errorf("Payouts.MinPayoutsPerTransaction = %d, want 16", cfg.Payouts.MinPayoutsPerTransaction)
	}

	// Defaults fill in everything the file leaves out.
	if cfg.Payouts.TransactionFee != 73500000 {
		t.Errorf("Payouts.TransactionFee = %d, want default 73500000", cfg.Payouts.TransactionFee)
	}

	if cfg.API.Bind != "0.0.0.0:8080" {
		t.Errorf("API.Bind = %s, want default 0.0.0.0:8080", cfg.API.Bind)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Missing required passphrase
	configContent := `
pool:
  name: "Test Pool"

node:
  url: "http://127.0.0.1:8125"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() should return error for invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for non-existent config")
	}
}
