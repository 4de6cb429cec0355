// Package config defines all configuration for the keeper.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KEEPER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Solana    SolanaConfig    `mapstructure:"solana"`
	AMM       AMMConfig       `mapstructure:"amm"`
	Swap      SwapConfig      `mapstructure:"swap"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listeners.
//
//   - Port: the REST API (and /ws when WSPort is 0).
//   - MonitorPort: metrics listener (/metrics); 0 disables it.
//   - WSPort: dedicated WebSocket listener; 0 shares the main server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	MonitorPort    int      `mapstructure:"monitor_port"`
	WSPort         int      `mapstructure:"ws_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RPCConfig lists chain RPC endpoints in priority order: the primary first,
// then backups tried on failure.
type RPCConfig struct {
	Primary string   `mapstructure:"primary"`
	Backups []string `mapstructure:"backups"`
}

// SolanaConfig tunes transaction handling.
//
//   - Commitment: confirmation level for reads and confirmations.
//   - PriorityFeeLamports: tip attached to built transactions.
//   - ConfirmTimeout: how long to poll for a signature before giving up.
//   - RPS: request budget across all RPC endpoints.
type SolanaConfig struct {
	Commitment          string        `mapstructure:"commitment"`
	PriorityFeeLamports uint64        `mapstructure:"priority_fee_lamports"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	RPS                 float64       `mapstructure:"rps"`
	Retries             RetryConfig   `mapstructure:"retries"`
}

// RetryConfig controls gateway-level request retries across endpoints.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// AMMConfig points at the DLMM program and its transaction-build API.
type AMMConfig struct {
	ProgramID      string        `mapstructure:"program_id"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SwapConfig points at the swap aggregator.
type SwapConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WalletConfig holds the signing keypair. PrivateKey is a base58-encoded
// 64-byte ed25519 key; KeypairPath points at a solana-cli JSON keypair file
// and is used when PrivateKey is empty.
type WalletConfig struct {
	PrivateKey  string `mapstructure:"private_key"`
	KeypairPath string `mapstructure:"keypair_path"`
}

// StrategyConfig sets runtime-wide strategy behavior.
//
//   - MonitorInterval: default per-instance tick cadence.
//   - DefaultTimeout: budget for one tick before the watchdog logs it.
//   - MaxActiveStrategies: global cap on concurrently ticking instances.
//   - DataRoot: directory holding instance records.
type StrategyConfig struct {
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	MaxActiveStrategies int           `mapstructure:"max_active_strategies"`
	DataRoot            string        `mapstructure:"data_root"`
	DefaultParams       DefaultParams `mapstructure:"default_params"`
}

// DefaultParams seed the simple-y template and fill omitted config fields
// at instance creation.
type DefaultParams struct {
	BinRange          int           `mapstructure:"bin_range"`
	StopLossCount     int           `mapstructure:"stop_loss_count"`
	StopLossBinOffset int           `mapstructure:"stop_loss_bin_offset"`
	UpwardTimeout     time.Duration `mapstructure:"upward_timeout"`
	DownwardTimeout   time.Duration `mapstructure:"downward_timeout"`
	SlippageBps       int           `mapstructure:"slippage_bps"`
}

// AnalyticsConfig tunes yield-rate computation.
//
//   - AnnualizationSeconds: the year length used to annualize window rates.
//   - BenchmarkURL: optional feed returning {"ratePerMinute": x}; empty means
//     benchmark rates are reported as null.
type AnalyticsConfig struct {
	AnnualizationSeconds float64       `mapstructure:"annualization_seconds"`
	BenchmarkURL         string        `mapstructure:"benchmark_url"`
	BenchmarkRefresh     time.Duration `mapstructure:"benchmark_refresh"`
}

// CrawlerConfig controls pool discovery. Disabled by default; when enabled
// the crawler publishes ranked pools on the pool-crawler bus topics.
type CrawlerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MinLiquidityUSD float64       `mapstructure:"min_liquidity_usd"`
	MinVolume24hUSD float64       `mapstructure:"min_volume_24h_usd"`
	MaxPools        int           `mapstructure:"max_pools"`
}

// HealthConfig controls the periodic instance audit.
type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AutoRemediate bool          `mapstructure:"auto_remediate"`
}

// LoggingConfig selects log level and output format. MaxFileSize/MaxFiles
// are accepted for the external log-rotation collaborator; the process
// itself logs to stdout.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	MaxFileSize int    `mapstructure:"max_file_size"`
	MaxFiles    int    `mapstructure:"max_files"`
}

// Load reads config from a YAML file with env var overrides. An empty path
// loads defaults + environment only. The wallet key should come from
// KEEPER_WALLET_PRIVATE_KEY (or WALLET_PRIVATE_KEY), not the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KEEPER_WALLET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	} else if key := os.Getenv("WALLET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.monitor_port", 9090)
	v.SetDefault("server.ws_port", 0)

	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.confirm_timeout", "30s")
	v.SetDefault("solana.rps", 10.0)
	v.SetDefault("solana.retries.max_retries", 3)
	v.SetDefault("solana.retries.retry_delay", "2s")
	v.SetDefault("solana.retries.backoff_factor", 2.0)

	v.SetDefault("amm.request_timeout", "15s")
	v.SetDefault("swap.request_timeout", "15s")

	v.SetDefault("strategy.monitor_interval", "30s")
	v.SetDefault("strategy.default_timeout", "60s")
	v.SetDefault("strategy.max_active_strategies", 10)
	v.SetDefault("strategy.data_root", "./data")
	v.SetDefault("strategy.default_params.bin_range", 10)
	v.SetDefault("strategy.default_params.stop_loss_count", 1)
	v.SetDefault("strategy.default_params.stop_loss_bin_offset", 35)
	v.SetDefault("strategy.default_params.upward_timeout", "300s")
	v.SetDefault("strategy.default_params.downward_timeout", "60s")
	v.SetDefault("strategy.default_params.slippage_bps", 50)

	v.SetDefault("analytics.annualization_seconds", 31_536_000.0)
	v.SetDefault("analytics.benchmark_refresh", "60s")

	v.SetDefault("crawler.enabled", false)
	v.SetDefault("crawler.poll_interval", "5m")
	v.SetDefault("crawler.min_liquidity_usd", 10_000.0)
	v.SetDefault("crawler.min_volume_24h_usd", 1_000.0)
	v.SetDefault("crawler.max_pools", 20)

	v.SetDefault("health.interval", "5m")
	v.SetDefault("health.auto_remediate", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.RPC.Primary == "" {
		return fmt.Errorf("rpc.primary is required")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.KeypairPath == "" {
		return fmt.Errorf("wallet key is required (set KEEPER_WALLET_PRIVATE_KEY or wallet.keypair_path)")
	}
	switch c.Solana.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("solana.commitment must be one of: processed, confirmed, finalized")
	}
	if c.Solana.ConfirmTimeout <= 0 {
		return fmt.Errorf("solana.confirm_timeout must be > 0")
	}
	if c.Solana.Retries.MaxRetries <= 0 {
		return fmt.Errorf("solana.retries.max_retries must be > 0")
	}
	if c.AMM.ProgramID == "" {
		return fmt.Errorf("amm.program_id is required")
	}
	if c.AMM.APIBaseURL == "" {
		return fmt.Errorf("amm.api_base_url is required")
	}
	if c.Swap.BaseURL == "" {
		return fmt.Errorf("swap.base_url is required")
	}
	if c.Strategy.MonitorInterval <= 0 {
		return fmt.Errorf("strategy.monitor_interval must be > 0")
	}
	if c.Strategy.MaxActiveStrategies <= 0 {
		return fmt.Errorf("strategy.max_active_strategies must be > 0")
	}
	if c.Strategy.DataRoot == "" {
		return fmt.Errorf("strategy.data_root is required")
	}
	if w := c.Strategy.DefaultParams.BinRange; w < 1 || w > 69 {
		return fmt.Errorf("strategy.default_params.bin_range must be in [1, 69]")
	}
	if c.Analytics.AnnualizationSeconds <= 0 {
		return fmt.Errorf("analytics.annualization_seconds must be > 0")
	}
	return nil
}

// Endpoints returns all RPC endpoints in priority order.
func (c *Config) Endpoints() []string {
	out := make([]string, 0, len(c.RPC.Backups)+1)
	out = append(out, c.RPC.Primary)
	out = append(out, c.RPC.Backups...)
	return out
}
