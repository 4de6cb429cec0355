// Package strategy implements the per-instance executors: state machines
// that watch one pool, keep liquidity positioned around the active bin, and
// unwind on stop-loss.
//
// An executor never persists or publishes by itself. It mutates the instance
// record (positions, ledger, snapshot, status) during Tick/Handle; the
// manager commits the record to storage and only then publishes the update,
// so bus subscribers never observe state that could be lost in a crash.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"dlmm-keeper/internal/analytics"
	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/dlmm"
	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/internal/retry"
	"dlmm-keeper/internal/swap"
	"dlmm-keeper/pkg/types"
)

// Decision is the action a tick asks for. Hold means no action; everything
// else is carried out by Handle.
type Decision int

const (
	Hold Decision = iota
	RecenterUp
	RecenterDown
	Harvest
	StopLoss
	Complete
)

func (d Decision) String() string {
	switch d {
	case Hold:
		return "hold"
	case RecenterUp:
		return "recenter-up"
	case RecenterDown:
		return "recenter-down"
	case Harvest:
		return "harvest"
	case StopLoss:
		return "stop-loss"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Executor is the contract every strategy variant implements. Tick evaluates
// the state machine and returns the required action; Handle performs it;
// Teardown unwinds on-chain state when the instance stops.
//
// All methods are called under the instance's scheduler serialization; an
// executor never sees concurrent calls.
type Executor interface {
	Initialize(ctx context.Context, inst *types.Instance) error
	Tick(ctx context.Context, inst *types.Instance) (Decision, error)
	Handle(ctx context.Context, inst *types.Instance, d Decision) error
	Teardown(ctx context.Context, inst *types.Instance, reason string) error

	// Interval returns the instance's tick cadence, or 0 for the
	// process-wide default.
	Interval() time.Duration
}

// AMM is the pool surface executors drive. Satisfied by *dlmm.Adapter.
type AMM interface {
	Owner() string
	ReadPool(ctx context.Context, address string) (types.Pool, error)
	ReadActiveBin(ctx context.Context, pool string) (int, error)
	ReadPosition(ctx context.Context, address string) (types.Position, error)
	PositionsForOwner(ctx context.Context, owner string) ([]types.Position, error)
	OpenPosition(ctx context.Context, req dlmm.OpenRequest) (types.Position, string, error)
	ClosePosition(ctx context.Context, position string) (string, error)
	HarvestFees(ctx context.Context, position string) (string, error)
}

// Swapper converts close proceeds back to the deposit token. Satisfied by
// *swap.Adapter.
type Swapper interface {
	Quote(ctx context.Context, req swap.QuoteRequest) (*swap.Quote, error)
	Execute(ctx context.Context, q *swap.Quote) (*swap.Result, error)
}

// Balances reads wallet token holdings. Satisfied by *solana.Gateway.
type Balances interface {
	GetTokenBalance(ctx context.Context, owner, mint string) (types.RawAmount, error)
}

// Env bundles the collaborators shared by all executors. The manager builds
// one Env at boot and hands it to every executor it constructs.
type Env struct {
	AMM         AMM
	Swapper     Swapper
	Balances    Balances
	Retry       *retry.Coordinator
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	NewAnalyzer func(pool types.Pool) *analytics.Analyzer
	Defaults    config.DefaultParams
}

// New constructs the executor for the instance's strategy type. The config
// is parsed and validated later, in Initialize.
func New(env Env, inst *types.Instance) (Executor, error) {
	switch inst.Type {
	case types.StrategySimpleY:
		return newSimpleY(env, inst.ID), nil
	case types.StrategyChainPosition:
		return newChain(env, inst.ID), nil
	default:
		return nil, types.Errorf(types.KindValidation, "strategy.new", "unknown strategy type %q", inst.Type)
	}
}

// ——————————————————————————————————————————————————————————————————————————
// Shared helpers
// ——————————————————————————————————————————————————————————————————————————

// binPrice returns the pool's human price at a bin.
func binPrice(pool types.Pool, bin int) float64 {
	return dlmm.PriceOfBin(bin, pool.BinStep, pool.DecimalsX, pool.DecimalsY).InexactFloat64()
}

// buildObservation aggregates the instance's positions into one analytics
// observation over [lower, upper].
func buildObservation(positions []types.Position, active, lower, upper int, price float64) analytics.Observation {
	obs := analytics.Observation{
		ActiveBin: active,
		LowerBin:  lower,
		UpperBin:  upper,
		Price:     price,
	}
	for _, p := range positions {
		obs.RawX = obs.RawX.Add(p.LiquidityXRaw)
		obs.RawY = obs.RawY.Add(p.LiquidityYRaw)
		obs.FeesX = obs.FeesX.Add(p.FeesXRaw)
		obs.FeesY = obs.FeesY.Add(p.FeesYRaw)
	}
	return obs
}

// unrealizedFeesY prices the pending fees across positions in Y units.
func unrealizedFeesY(positions []types.Position, pool types.Pool, price float64) float64 {
	total := decimal.Zero
	p := decimal.NewFromFloat(price)
	for _, pos := range positions {
		x := types.ToHuman(pos.FeesXRaw, pool.DecimalsX)
		y := types.ToHuman(pos.FeesYRaw, pool.DecimalsY)
		total = total.Add(y).Add(x.Mul(p))
	}
	return total.InexactFloat64()
}

// swapTokens runs quote-and-execute under the retry coordinator. Every
// attempt fetches a fresh quote, so a route that expired or moved is
// re-priced rather than replayed.
func swapTokens(ctx context.Context, env Env, instID, opType string, req swap.QuoteRequest) (*swap.Result, error) {
	if req.AmountRaw.Sign() <= 0 {
		return nil, nil
	}
	var result *swap.Result
	err := env.Retry.Do(ctx, instID, opType, func(ctx context.Context) error {
		q, err := env.Swapper.Quote(ctx, req)
		if err != nil {
			return err
		}
		result, err = env.Swapper.Execute(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// appendLedger adds an event to the instance record. Timestamping lives here
// so ledger order matches call order.
func appendLedger(inst *types.Instance, e types.LedgerEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	inst.Ledger = append(inst.Ledger, e)
}
