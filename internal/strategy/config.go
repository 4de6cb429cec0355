package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/dlmm"
	"dlmm-keeper/pkg/types"
)

// SimpleYConfig is the per-instance configuration of the simple-y executor.
// Pointer fields distinguish "absent, use the default" from an explicit
// zero: offset 0 and timeout 0 are both meaningful settings.
type SimpleYConfig struct {
	PoolAddress            string          `json:"poolAddress"`
	YAmountRaw             types.RawAmount `json:"yAmountRaw"`
	BinRange               int             `json:"binRange"`
	StopLossCount          int             `json:"stopLossCount"`
	StopLossBinOffset      *int            `json:"stopLossBinOffset"`
	UpwardTimeoutSeconds   *int            `json:"upwardTimeoutSeconds"`
	DownwardTimeoutSeconds *int            `json:"downwardTimeoutSeconds"`
	SlippageBps            int             `json:"slippageBps"`
}

func (c *SimpleYConfig) applyDefaults(d config.DefaultParams) {
	if c.BinRange == 0 {
		c.BinRange = d.BinRange
	}
	if c.StopLossCount == 0 {
		c.StopLossCount = d.StopLossCount
	}
	if c.StopLossBinOffset == nil {
		offset := d.StopLossBinOffset
		c.StopLossBinOffset = &offset
	}
	if c.UpwardTimeoutSeconds == nil {
		secs := int(d.UpwardTimeout / time.Second)
		c.UpwardTimeoutSeconds = &secs
	}
	if c.DownwardTimeoutSeconds == nil {
		secs := int(d.DownwardTimeout / time.Second)
		c.DownwardTimeoutSeconds = &secs
	}
	if c.SlippageBps == 0 {
		c.SlippageBps = d.SlippageBps
	}
}

func (c *SimpleYConfig) validate() error {
	if c.PoolAddress == "" {
		return fmt.Errorf("poolAddress is required")
	}
	if c.YAmountRaw.Sign() <= 0 {
		return fmt.Errorf("yAmountRaw must be positive")
	}
	if !dlmm.ValidBinRange(c.BinRange) {
		return fmt.Errorf("binRange must be in [%d, %d]", dlmm.MinBinRange, dlmm.MaxBinRange)
	}
	if c.StopLossCount < 1 {
		return fmt.Errorf("stopLossCount must be >= 1")
	}
	if *c.StopLossBinOffset < 0 {
		return fmt.Errorf("stopLossBinOffset must be >= 0")
	}
	if *c.UpwardTimeoutSeconds < 0 || *c.DownwardTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.SlippageBps < 1 || c.SlippageBps > 10_000 {
		return fmt.Errorf("slippageBps must be in [1, 10000]")
	}
	return nil
}

func (c *SimpleYConfig) upwardTimeout() time.Duration {
	return time.Duration(*c.UpwardTimeoutSeconds) * time.Second
}

func (c *SimpleYConfig) downwardTimeout() time.Duration {
	return time.Duration(*c.DownwardTimeoutSeconds) * time.Second
}

// ChainStopLoss carries the stop-loss trip rule a chain applies to its
// super-range when smart stop-loss is enabled.
type ChainStopLoss struct {
	StopLossCount     int  `json:"stopLossCount"`
	StopLossBinOffset *int `json:"stopLossBinOffset"`
	SlippageBps       int  `json:"slippageBps"`
}

// ChainConfig is the per-instance configuration of the chain-position
// executor. PositionAmountRaw is the deposit per link; ChainLength is the
// number of links K.
type ChainConfig struct {
	PoolAddress                     string             `json:"poolAddress"`
	ChainPositionType               types.ChainVariant `json:"chainPositionType"`
	PositionAmountRaw               types.RawAmount    `json:"positionAmountRaw"`
	BinRange                        int                `json:"binRange"`
	ChainLength                     int                `json:"chainLength"`
	MonitoringIntervalSeconds       int                `json:"monitoringIntervalSeconds"`
	OutOfRangeTimeoutSeconds        *int               `json:"outOfRangeTimeoutSeconds"`
	YieldExtractionThresholdPercent float64            `json:"yieldExtractionThresholdPercent"`
	EnableSmartStopLoss             bool               `json:"enableSmartStopLoss"`
	StopLossConfig                  *ChainStopLoss     `json:"stopLossConfig,omitempty"`
}

func (c *ChainConfig) applyDefaults(d config.DefaultParams) {
	if c.ChainPositionType == "" {
		c.ChainPositionType = types.ChainY
	}
	if c.BinRange == 0 {
		c.BinRange = d.BinRange
	}
	if c.ChainLength == 0 {
		c.ChainLength = 3
	}
	if c.OutOfRangeTimeoutSeconds == nil {
		secs := 60
		c.OutOfRangeTimeoutSeconds = &secs
	}
	if c.EnableSmartStopLoss && c.StopLossConfig == nil {
		c.StopLossConfig = &ChainStopLoss{}
	}
	if c.StopLossConfig != nil {
		if c.StopLossConfig.StopLossCount == 0 {
			c.StopLossConfig.StopLossCount = d.StopLossCount
		}
		if c.StopLossConfig.StopLossBinOffset == nil {
			offset := d.StopLossBinOffset
			c.StopLossConfig.StopLossBinOffset = &offset
		}
		if c.StopLossConfig.SlippageBps == 0 {
			c.StopLossConfig.SlippageBps = d.SlippageBps
		}
	}
}

func (c *ChainConfig) validate() error {
	if c.PoolAddress == "" {
		return fmt.Errorf("poolAddress is required")
	}
	if !c.ChainPositionType.Valid() {
		return fmt.Errorf("chainPositionType must be one of Y_CHAIN, X_CHAIN, XY_CHAIN")
	}
	if c.PositionAmountRaw.Sign() <= 0 {
		return fmt.Errorf("positionAmountRaw must be positive")
	}
	if !dlmm.ValidBinRange(c.BinRange) {
		return fmt.Errorf("binRange must be in [%d, %d]", dlmm.MinBinRange, dlmm.MaxBinRange)
	}
	if c.ChainLength < 1 {
		return fmt.Errorf("chainLength must be >= 1")
	}
	if c.MonitoringIntervalSeconds < 0 {
		return fmt.Errorf("monitoringIntervalSeconds must be >= 0")
	}
	if *c.OutOfRangeTimeoutSeconds < 0 {
		return fmt.Errorf("outOfRangeTimeoutSeconds must be >= 0")
	}
	if c.YieldExtractionThresholdPercent < 0 {
		return fmt.Errorf("yieldExtractionThresholdPercent must be >= 0")
	}
	if c.EnableSmartStopLoss {
		sl := c.StopLossConfig
		if sl.StopLossCount < 1 {
			return fmt.Errorf("stopLossConfig.stopLossCount must be >= 1")
		}
		if *sl.StopLossBinOffset < 0 {
			return fmt.Errorf("stopLossConfig.stopLossBinOffset must be >= 0")
		}
	}
	return nil
}

func (c *ChainConfig) outOfRangeTimeout() time.Duration {
	return time.Duration(*c.OutOfRangeTimeoutSeconds) * time.Second
}

// effectiveSlippage resolves the swap tolerance for rolls and unwinds:
// the stop-loss config's value when present, the process default otherwise.
func (c *ChainConfig) effectiveSlippage(d config.DefaultParams) int {
	if c.StopLossConfig != nil && c.StopLossConfig.SlippageBps > 0 {
		return c.StopLossConfig.SlippageBps
	}
	if d.SlippageBps > 0 {
		return d.SlippageBps
	}
	return 50
}

// decodeStrict parses an instance config, rejecting unknown keys so typos
// fail at create rather than silently running with defaults.
func decodeStrict(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return types.E(types.KindValidation, "strategy.config", err)
	}
	return nil
}

// ValidateConfig checks a raw instance config against the executor's schema
// and returns the normalized form with defaults filled in. The normalized
// config is what gets persisted.
func ValidateConfig(typ types.StrategyType, raw json.RawMessage, d config.DefaultParams) (json.RawMessage, error) {
	switch typ {
	case types.StrategySimpleY:
		var cfg SimpleYConfig
		if err := decodeStrict(raw, &cfg); err != nil {
			return nil, err
		}
		cfg.applyDefaults(d)
		if err := cfg.validate(); err != nil {
			return nil, types.E(types.KindValidation, "strategy.config", err)
		}
		return json.Marshal(&cfg)
	case types.StrategyChainPosition:
		var cfg ChainConfig
		if err := decodeStrict(raw, &cfg); err != nil {
			return nil, err
		}
		cfg.applyDefaults(d)
		if err := cfg.validate(); err != nil {
			return nil, types.E(types.KindValidation, "strategy.config", err)
		}
		return json.Marshal(&cfg)
	default:
		return nil, types.Errorf(types.KindValidation, "strategy.config", "unknown strategy type %q", typ)
	}
}

// Template describes one creatable strategy type for the templates endpoint.
type Template struct {
	Type        types.StrategyType `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Config      any                `json:"config"`
}

// Templates lists the strategy types with their default configurations.
func Templates(d config.DefaultParams) []Template {
	var simple SimpleYConfig
	simple.applyDefaults(d)
	var chain ChainConfig
	chain.applyDefaults(d)

	return []Template{
		{
			Type:        types.StrategySimpleY,
			Name:        "Simple Y",
			Description: "Single Y-sided position at the active bin; recenters upward, stop-losses downward.",
			Config:      simple,
		},
		{
			Type:        types.StrategyChainPosition,
			Name:        "Chain Position",
			Description: "Chain of contiguous equal-width positions that rolls link by link as price moves.",
			Config:      chain,
		},
	}
}
