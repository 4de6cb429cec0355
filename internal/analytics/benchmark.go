package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/pkg/types"
)

type benchSample struct {
	at        time.Time
	perMinute float64
}

type benchResponse struct {
	RatePerMinute float64 `json:"ratePerMinute"`
}

// Benchmark polls an external feed for a reference yield-per-minute and
// serves windowed averages in the same annualized units as the instance
// yield rates. Windows with no samples report null, never zero.
type Benchmark struct {
	api     *resty.Client
	refresh time.Duration
	annual  float64
	logger  *slog.Logger

	mu      sync.Mutex
	samples []benchSample
}

// NewBenchmark builds a poller for cfg.BenchmarkURL. Callers should skip
// construction entirely when no URL is configured.
func NewBenchmark(cfg config.AnalyticsConfig, logger *slog.Logger) *Benchmark {
	refresh := cfg.BenchmarkRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}
	annual := cfg.AnnualizationSeconds
	if annual <= 0 {
		annual = 31_536_000
	}
	return &Benchmark{
		api:     resty.New().SetBaseURL(cfg.BenchmarkURL).SetTimeout(10 * time.Second),
		refresh: refresh,
		annual:  annual,
		logger:  logger.With("component", "benchmark"),
	}
}

// Run polls the feed until ctx is cancelled. Failed polls are logged and
// skipped; stale windows simply go null.
func (b *Benchmark) Run(ctx context.Context) {
	ticker := time.NewTicker(b.refresh)
	defer ticker.Stop()

	b.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

func (b *Benchmark) poll(ctx context.Context) {
	var body benchResponse
	resp, err := b.api.R().SetContext(ctx).SetResult(&body).Get("")
	if err != nil {
		b.logger.Warn("benchmark poll failed", "error", err)
		return
	}
	if resp.IsError() {
		b.logger.Warn("benchmark poll failed", "status", resp.StatusCode())
		return
	}

	now := time.Now()
	b.mu.Lock()
	b.samples = append(b.samples, benchSample{at: now, perMinute: body.RatePerMinute})
	cutoff := now.Add(-ledgerRetention)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
	b.mu.Unlock()
}

// Rates returns the annualized average feed rate per window.
func (b *Benchmark) Rates(now time.Time) types.BenchmarkRates {
	b.mu.Lock()
	defer b.mu.Unlock()

	return types.BenchmarkRates{
		M5:  b.windowAvg(now, windowM5),
		M15: b.windowAvg(now, windowM15),
		H1:  b.windowAvg(now, windowH1),
	}
}

func (b *Benchmark) windowAvg(now time.Time, d time.Duration) *float64 {
	cutoff := now.Add(-d)
	var sum float64
	var n int
	for _, s := range b.samples {
		if !s.at.Before(cutoff) {
			sum += s.perMinute
			n++
		}
	}
	if n == 0 {
		return nil
	}
	rate := sum / float64(n) * (b.annual / 60)
	return &rate
}
