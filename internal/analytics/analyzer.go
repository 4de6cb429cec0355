// Package analytics computes per-instance valuation, PnL, and windowed
// yield rates.
//
// Each strategy instance owns exactly one Analyzer. The analyzer keeps a
// rolling in-memory series of value samples and fee accruals; entries older
// than one hour are discarded, so the 5m/15m/1h yield windows slide over at
// most an hour of history. Yield and benchmark rates are annualized
// fractions; PnL percent and price change are percents.
package analytics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/pkg/types"
)

const (
	windowM5  = 5 * time.Minute
	windowM15 = 15 * time.Minute
	windowH1  = time.Hour

	// ledgerRetention bounds the in-memory series; nothing outside the
	// largest window is ever read.
	ledgerRetention = time.Hour
)

// RateSource supplies benchmark yield rates for snapshot enrichment.
// A nil source reports every window as null.
type RateSource interface {
	Rates(now time.Time) types.BenchmarkRates
}

type sample struct {
	at    time.Time
	value float64
	price float64
}

type feeEvent struct {
	at      time.Time
	amountY float64
}

// Observation is one tick's view of the instance's aggregate position:
// bin bounds, liquidity, and unclaimed fees. Chain strategies sum across
// links before observing.
type Observation struct {
	ActiveBin int
	LowerBin  int
	UpperBin  int
	RawX      types.RawAmount
	RawY      types.RawAmount
	FeesX     types.RawAmount
	FeesY     types.RawAmount
	Price     float64
}

// Analyzer tracks one instance's economics. All values are in human Y units.
type Analyzer struct {
	mu        sync.Mutex
	clock     func() time.Time
	annual    float64 // seconds in the annualization year
	bench     RateSource
	decimalsX uint8
	decimalsY uint8

	principalY float64 // value deposited as fresh capital, PnL baseline
	returnedY  float64 // close proceeds not yet redeployed
	harvestedY float64 // fees moved to the wallet
	feesSeenY  float64 // high-water mark of harvested + unclaimed fees
	lastPrice  float64
	lastTs     time.Time

	samples []sample
	fees    []feeEvent
}

// New builds an analyzer for one instance trading the given pool.
func New(cfg config.AnalyticsConfig, pool types.Pool, bench RateSource) *Analyzer {
	annual := cfg.AnnualizationSeconds
	if annual <= 0 {
		annual = 31_536_000
	}
	return &Analyzer{
		clock:     time.Now,
		annual:    annual,
		bench:     bench,
		decimalsX: pool.DecimalsX,
		decimalsY: pool.DecimalsY,
	}
}

// OnOpen records a position open. An open with no close proceeds pending is
// fresh capital and grows the PnL baseline; an open after a close redeploys
// the returned funds, so any value lost between close and reopen stays in
// the PnL.
func (a *Analyzer) OnOpen(side types.PositionSide, rawX, rawY types.RawAmount, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	v := a.valueOf(rawX, rawY, price)
	if a.returnedY == 0 {
		a.principalY += v
	} else {
		a.returnedY = 0
	}
	a.lastPrice = price
	a.samples = append(a.samples, sample{at: now, value: v, price: price})
	a.evict(now)
}

// OnClose records a position close. The withdrawn liquidity counts toward
// PnL until the next open redeploys it; collected fees become realized.
func (a *Analyzer) OnClose(rawXOut, rawYOut, feesX, feesY types.RawAmount, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.returnedY += a.valueOf(rawXOut, rawYOut, price)
	a.harvestedY += a.valueOf(feesX, feesY, price)
	a.lastPrice = price
	a.observeFees(a.clock(), a.harvestedY)
}

// OnHarvest records a fee claim that leaves the position open.
func (a *Analyzer) OnHarvest(feesX, feesY types.RawAmount) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.harvestedY += a.valueOf(feesX, feesY, a.lastPrice)
	a.observeFees(a.clock(), a.harvestedY)
}

// Tick folds one observation into the series and derives a snapshot.
func (a *Analyzer) Tick(obs Observation) types.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.stamp()
	unclaimed := a.valueOf(obs.FeesX, obs.FeesY, obs.Price)
	value := a.valueOf(obs.RawX, obs.RawY, obs.Price) + unclaimed
	a.observeFees(now, a.harvestedY+unclaimed)
	a.samples = append(a.samples, sample{at: now, value: value, price: obs.Price})
	a.lastPrice = obs.Price
	a.evict(now)

	pnl := value + a.returnedY + a.harvestedY - a.principalY
	pct := 0.0
	if a.principalY > 0 {
		pct = pnl / a.principalY * 100
	}

	snap := types.Snapshot{
		Timestamp:           now,
		ActiveBin:           obs.ActiveBin,
		LowerBin:            obs.LowerBin,
		UpperBin:            obs.UpperBin,
		Price:               obs.Price,
		PositionValueY:      value,
		PnLY:                pnl,
		PnLPercent:          pct,
		YieldRates:          a.yieldRates(now),
		PriceChangePercent:  a.priceChanges(now, obs.Price),
		ActiveBinPercentage: BinPercentage(obs.ActiveBin, obs.LowerBin, obs.UpperBin),
		InRange:             obs.ActiveBin >= obs.LowerBin && obs.ActiveBin <= obs.UpperBin,
	}
	if a.bench != nil {
		snap.BenchmarkRates = a.bench.Rates(now)
	}
	return snap
}

// Seed replays a persisted ledger so PnL baselines survive a restart.
// Window series are not rebuilt; they refill within an hour of ticking.
func (a *Analyzer) Seed(entries []types.LedgerEntry, last *types.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range entries {
		switch e.Kind {
		case types.LedgerOpen:
			v := a.valueOf(e.XRaw, e.YRaw, e.Price)
			if a.returnedY == 0 {
				a.principalY += v
			} else {
				a.returnedY = 0
			}
		case types.LedgerClose, types.LedgerPartialClose:
			a.returnedY += a.valueOf(e.XRaw, e.YRaw, e.Price)
			a.harvestedY += a.valueOf(e.FeesXRaw, e.FeesYRaw, e.Price)
		case types.LedgerFeeHarvest:
			a.harvestedY += a.valueOf(e.FeesXRaw, e.FeesYRaw, e.Price)
		}
		if e.Price > 0 {
			a.lastPrice = e.Price
		}
	}
	a.feesSeenY = a.harvestedY
	if last != nil && last.Timestamp.After(a.lastTs) {
		a.lastTs = last.Timestamp
	}
}

// PrincipalY returns the PnL baseline: the value deposited as fresh capital.
func (a *Analyzer) PrincipalY() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.principalY
}

// BinPercentage locates the active bin within [lower, upper] as a percent.
// Values outside [0, 100] encode out-of-range direction and distance and
// are deliberately not clipped.
func BinPercentage(active, lower, upper int) float64 {
	span := upper - lower
	if span == 0 {
		span = 1
	}
	return float64(active-lower) / float64(span) * 100
}

// ——————————————————————————————————————————————————————————————————————————
// Internals
// ——————————————————————————————————————————————————————————————————————————

// stamp returns a snapshot timestamp strictly after the previous one.
// The wall clock can repeat or step backwards; snapshot order must not.
func (a *Analyzer) stamp() time.Time {
	now := a.clock()
	if !now.After(a.lastTs) {
		now = a.lastTs.Add(time.Millisecond)
	}
	a.lastTs = now
	return now
}

// observeFees records growth of total fees (harvested + unclaimed) as a
// dated event. Harvests and closes move fees between the two buckets
// without growing the total, so they never double-count.
func (a *Analyzer) observeFees(now time.Time, totalY float64) {
	if totalY <= a.feesSeenY {
		return
	}
	a.fees = append(a.fees, feeEvent{at: now, amountY: totalY - a.feesSeenY})
	a.feesSeenY = totalY
}

func (a *Analyzer) valueOf(rawX, rawY types.RawAmount, price float64) float64 {
	y := types.ToHuman(rawY, a.decimalsY)
	x := types.ToHuman(rawX, a.decimalsX)
	return y.Add(x.Mul(decimal.NewFromFloat(price))).InexactFloat64()
}

func (a *Analyzer) evict(now time.Time) {
	cutoff := now.Add(-ledgerRetention)
	a.samples = trimSamples(a.samples, cutoff)
	a.fees = trimFees(a.fees, cutoff)
}

func trimSamples(in []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(in) && in[i].at.Before(cutoff) {
		i++
	}
	return in[i:]
}

func trimFees(in []feeEvent, cutoff time.Time) []feeEvent {
	i := 0
	for i < len(in) && in[i].at.Before(cutoff) {
		i++
	}
	return in[i:]
}

// yieldRates computes the annualized fee yield for each window:
// fees accrued within the window over the average position value within it.
func (a *Analyzer) yieldRates(now time.Time) types.WindowRates {
	return types.WindowRates{
		M5:  a.windowRate(now, windowM5),
		M15: a.windowRate(now, windowM15),
		H1:  a.windowRate(now, windowH1),
	}
}

func (a *Analyzer) windowRate(now time.Time, d time.Duration) float64 {
	cutoff := now.Add(-d)

	var fees float64
	for _, fe := range a.fees {
		if !fe.at.Before(cutoff) {
			fees += fe.amountY
		}
	}
	if fees == 0 {
		return 0
	}

	var sum float64
	var n int
	for _, s := range a.samples {
		if !s.at.Before(cutoff) {
			sum += s.value
			n++
		}
	}
	if n == 0 || sum == 0 {
		return 0
	}
	avg := sum / float64(n)
	return fees / avg * (a.annual / d.Seconds())
}

func (a *Analyzer) priceChanges(now time.Time, price float64) types.WindowRates {
	return types.WindowRates{
		M5:  a.priceChange(now, windowM5, price),
		M15: a.priceChange(now, windowM15, price),
		H1:  a.priceChange(now, windowH1, price),
	}
}

// priceChange compares the current price to the oldest sample inside the
// window. Instances younger than the window use their earliest sample.
func (a *Analyzer) priceChange(now time.Time, d time.Duration, price float64) float64 {
	cutoff := now.Add(-d)
	for _, s := range a.samples {
		if s.at.Before(cutoff) || s.price <= 0 {
			continue
		}
		return (price - s.price) / s.price * 100
	}
	return 0
}
