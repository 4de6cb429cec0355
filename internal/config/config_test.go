package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg, _ := Load("")
	cfg.RPC.Primary = "https://rpc.example.com"
	cfg.Wallet.PrivateKey = "key"
	cfg.AMM.ProgramID = "LBUZKhRxPF3XG5e6NXsb1eEn1xjS1ZLVnSwWoABHYmm"
	cfg.AMM.APIBaseURL = "https://dlmm.example.com"
	cfg.Swap.BaseURL = "https://swap.example.com"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Solana.Commitment != "confirmed" {
		t.Errorf("Solana.Commitment = %q, want confirmed", cfg.Solana.Commitment)
	}
	if cfg.Solana.ConfirmTimeout != 30*time.Second {
		t.Errorf("ConfirmTimeout = %v, want 30s", cfg.Solana.ConfirmTimeout)
	}
	if cfg.Strategy.MonitorInterval != 30*time.Second {
		t.Errorf("MonitorInterval = %v, want 30s", cfg.Strategy.MonitorInterval)
	}
	if cfg.Strategy.MaxActiveStrategies != 10 {
		t.Errorf("MaxActiveStrategies = %d, want 10", cfg.Strategy.MaxActiveStrategies)
	}
	if cfg.Strategy.DefaultParams.StopLossBinOffset != 35 {
		t.Errorf("StopLossBinOffset = %d, want 35", cfg.Strategy.DefaultParams.StopLossBinOffset)
	}
	if cfg.Strategy.DefaultParams.UpwardTimeout != 300*time.Second {
		t.Errorf("UpwardTimeout = %v, want 300s", cfg.Strategy.DefaultParams.UpwardTimeout)
	}
	if cfg.Analytics.AnnualizationSeconds != 31_536_000.0 {
		t.Errorf("AnnualizationSeconds = %v, want 31536000", cfg.Analytics.AnnualizationSeconds)
	}
	if cfg.Crawler.Enabled {
		t.Error("Crawler.Enabled should default to false")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
rpc:
  primary: https://rpc-main.example.com
  backups:
    - https://rpc-backup.example.com
solana:
  commitment: finalized
  priority_fee_lamports: 5000
strategy:
  monitor_interval: 10s
  max_active_strategies: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RPC.Primary != "https://rpc-main.example.com" {
		t.Errorf("RPC.Primary = %q", cfg.RPC.Primary)
	}
	if got := cfg.Endpoints(); len(got) != 2 || got[1] != "https://rpc-backup.example.com" {
		t.Errorf("Endpoints() = %v, want primary then backup", got)
	}
	if cfg.Solana.Commitment != "finalized" {
		t.Errorf("Commitment = %q, want finalized", cfg.Solana.Commitment)
	}
	if cfg.Solana.PriorityFeeLamports != 5000 {
		t.Errorf("PriorityFeeLamports = %d, want 5000", cfg.Solana.PriorityFeeLamports)
	}
	if cfg.Strategy.MonitorInterval != 10*time.Second {
		t.Errorf("MonitorInterval = %v, want 10s", cfg.Strategy.MonitorInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestWalletKeyFromEnv(t *testing.T) {
	t.Setenv("KEEPER_WALLET_PRIVATE_KEY", "base58secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "base58secret" {
		t.Errorf("Wallet.PrivateKey = %q, want env override", cfg.Wallet.PrivateKey)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing primary rpc", func(c *Config) { c.RPC.Primary = "" }},
		{"missing wallet key", func(c *Config) { c.Wallet.PrivateKey = ""; c.Wallet.KeypairPath = "" }},
		{"bad commitment", func(c *Config) { c.Solana.Commitment = "eventual" }},
		{"zero confirm timeout", func(c *Config) { c.Solana.ConfirmTimeout = 0 }},
		{"missing program id", func(c *Config) { c.AMM.ProgramID = "" }},
		{"missing swap url", func(c *Config) { c.Swap.BaseURL = "" }},
		{"zero monitor interval", func(c *Config) { c.Strategy.MonitorInterval = 0 }},
		{"bin range too wide", func(c *Config) { c.Strategy.DefaultParams.BinRange = 70 }},
		{"bin range zero", func(c *Config) { c.Strategy.DefaultParams.BinRange = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted config with %s", tt.name)
			}
		})
	}
}
