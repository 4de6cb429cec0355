// Package crawler discovers DLMM pools worth running strategies on.
//
// It polls the DLMM API's paginated pool list, drops thin pools, and ranks
// the rest by fee productivity:
//
//	score = fees24h/liquidity × min(liquidity/250000, 1)
//
// The liquidity factor keeps a tiny pool with one lucky day from outranking
// deep ones. The top pools go out on the pool-crawler.data bus topic every
// poll; the websocket broadcaster relays them to the pool-crawler room.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
)

const (
	defaultPollInterval = 5 * time.Minute
	pageLimit           = 100
	liquidityNormUSD    = 250_000
)

// apiPair is the JSON shape of one pool in the DLMM API list.
type apiPair struct {
	Address        string  `json:"address"`
	Name           string  `json:"name"`
	MintX          string  `json:"mint_x"`
	MintY          string  `json:"mint_y"`
	BinStep        int     `json:"bin_step"`
	Liquidity      string  `json:"liquidity"` // USD, decimal string
	TradeVolume24h float64 `json:"trade_volume_24h"`
	Fees24h        float64 `json:"fees_24h"`
	CurrentPrice   float64 `json:"current_price"`
}

type pairsPage struct {
	Pairs []apiPair `json:"pairs"`
	Total int       `json:"total"`
}

// PoolSummary is one ranked pool in the crawler's bus payload.
type PoolSummary struct {
	Address      string  `json:"address"`
	Name         string  `json:"name"`
	MintX        string  `json:"mintX"`
	MintY        string  `json:"mintY"`
	BinStep      int     `json:"binStep"`
	LiquidityUSD float64 `json:"liquidityUsd"`
	Volume24hUSD float64 `json:"volume24hUsd"`
	Fees24hUSD   float64 `json:"fees24hUsd"`
	CurrentPrice float64 `json:"currentPrice"`
	Score        float64 `json:"score"`
}

// Snapshot is the payload on pool-crawler.data.
type Snapshot struct {
	Pools     []PoolSummary `json:"pools"`
	ScannedAt time.Time     `json:"scannedAt"`
}

// Crawler polls the pool list and publishes ranked results.
type Crawler struct {
	api    *resty.Client
	cfg    config.CrawlerConfig
	bus    *bus.Bus
	logger *slog.Logger
}

// New builds a crawler against the DLMM API the adapter already talks to.
func New(cfg config.Config, b *bus.Bus, logger *slog.Logger) *Crawler {
	timeout := cfg.AMM.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.AMM.APIBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Crawler{
		api:    client,
		cfg:    cfg.Crawler,
		bus:    b,
		logger: logger.With("component", "crawler"),
	}
}

// Run polls until ctx is canceled, scanning once immediately.
func (c *Crawler) Run(ctx context.Context) {
	c.scan(ctx)

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

func (c *Crawler) scan(ctx context.Context) {
	pairs, err := c.fetchPairs(ctx)
	if err != nil {
		c.logger.Error("scan failed", "error", err)
		return
	}

	pools := c.rank(c.filter(pairs))
	if c.cfg.MaxPools > 0 && len(pools) > c.cfg.MaxPools {
		pools = pools[:c.cfg.MaxPools]
	}

	c.logger.Info("scan complete",
		"total", len(pairs),
		"selected", len(pools),
	)
	c.bus.Publish(bus.TopicCrawlerData, Snapshot{
		Pools:     pools,
		ScannedAt: time.Now().UTC(),
	})
}

func (c *Crawler) fetchPairs(ctx context.Context) ([]apiPair, error) {
	var all []apiPair
	for pageNum := 0; ; pageNum++ {
		var page pairsPage
		resp, err := c.api.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"page":  strconv.Itoa(pageNum),
				"limit": strconv.Itoa(pageLimit),
			}).
			SetResult(&page).
			Get("/pair/all_with_pagination")
		if err != nil {
			return nil, fmt.Errorf("fetch pools page %d: %w", pageNum, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch pools page %d: status %d", pageNum, resp.StatusCode())
		}

		all = append(all, page.Pairs...)
		if len(page.Pairs) < pageLimit {
			return all, nil
		}
	}
}

// filter drops pools below the configured liquidity and volume floors.
func (c *Crawler) filter(pairs []apiPair) []PoolSummary {
	out := make([]PoolSummary, 0, len(pairs))
	for _, p := range pairs {
		liquidity, err := strconv.ParseFloat(p.Liquidity, 64)
		if err != nil || liquidity <= 0 {
			continue
		}
		if liquidity < c.cfg.MinLiquidityUSD {
			continue
		}
		if p.TradeVolume24h < c.cfg.MinVolume24hUSD {
			continue
		}
		out = append(out, PoolSummary{
			Address:      p.Address,
			Name:         p.Name,
			MintX:        p.MintX,
			MintY:        p.MintY,
			BinStep:      p.BinStep,
			LiquidityUSD: liquidity,
			Volume24hUSD: p.TradeVolume24h,
			Fees24hUSD:   p.Fees24h,
			CurrentPrice: p.CurrentPrice,
		})
	}
	return out
}

// rank scores pools by daily fee yield, discounted for shallow liquidity.
func (c *Crawler) rank(pools []PoolSummary) []PoolSummary {
	for i := range pools {
		factor := pools[i].LiquidityUSD / liquidityNormUSD
		if factor > 1 {
			factor = 1
		}
		pools[i].Score = pools[i].Fees24hUSD / pools[i].LiquidityUSD * factor
	}
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].Score == pools[j].Score {
			return pools[i].LiquidityUSD > pools[j].LiquidityUSD
		}
		return pools[i].Score > pools[j].Score
	})
	return pools
}
