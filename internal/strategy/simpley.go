package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dlmm-keeper/internal/analytics"
	"dlmm-keeper/internal/dlmm"
	"dlmm-keeper/internal/retry"
	"dlmm-keeper/internal/swap"
	"dlmm-keeper/pkg/types"
)

// Reasons an executor can park an instance in the error status.
const (
	reasonOpenFailed     = "open-failed"
	reasonRecenterFailed = "recenter-failed"
	reasonCloseFailed    = "close-failed"
	reasonShiftFailed    = "shift-failed"
	reasonHarvestFailed  = "harvest-failed"
)

type simpleYState int

const (
	syInit simpleYState = iota
	syOpening
	syInRange
	syOutOfRangeUp
	syOutOfRangeDown
	syRecentering
	syClosing
	syDone
	syError
)

func (s simpleYState) String() string {
	switch s {
	case syInit:
		return "init"
	case syOpening:
		return "opening"
	case syInRange:
		return "in-range"
	case syOutOfRangeUp:
		return "out-of-range-up"
	case syOutOfRangeDown:
		return "out-of-range-down"
	case syRecentering:
		return "recentering"
	case syClosing:
		return "closing"
	case syDone:
		return "done"
	case syError:
		return "error"
	default:
		return "unknown"
	}
}

// SimpleY keeps one Y-sided position of fixed width anchored at the active
// bin. Price moving up past the range recenters after a grace period; price
// moving down past it stop-losses.
type SimpleY struct {
	env    Env
	id     string
	logger *slog.Logger
	clock  func() time.Time

	cfg      SimpleYConfig
	pool     types.Pool
	analyzer *analytics.Analyzer

	state         simpleYState
	position      string
	lower, upper  int
	outSince      time.Time
	stopLossTicks int
}

func newSimpleY(env Env, id string) *SimpleY {
	return &SimpleY{
		env:    env,
		id:     id,
		logger: env.Logger.With("component", "simple-y", "instance", id),
		clock:  time.Now,
		state:  syInit,
	}
}

func (s *SimpleY) Interval() time.Duration { return 0 }

// Initialize parses the config, resolves the pool, and either adopts the
// recorded position or verifies the wallet can fund a fresh one. A funding
// shortfall is a validation error: the instance never leaves Init.
func (s *SimpleY) Initialize(ctx context.Context, inst *types.Instance) error {
	var cfg SimpleYConfig
	if err := decodeStrict(inst.Config, &cfg); err != nil {
		return err
	}
	cfg.applyDefaults(s.env.Defaults)
	if err := cfg.validate(); err != nil {
		return types.E(types.KindValidation, "simpley.init", err)
	}
	s.cfg = cfg

	pool, err := s.env.AMM.ReadPool(ctx, cfg.PoolAddress)
	if err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	s.pool = pool
	s.analyzer = s.env.NewAnalyzer(pool)
	s.analyzer.Seed(inst.Ledger, inst.LastSnapshot)

	if len(inst.Positions) > 0 {
		return s.adopt(ctx, inst.Positions[0])
	}

	bal, err := s.env.Balances.GetTokenBalance(ctx, s.env.AMM.Owner(), pool.TokenYMint)
	if err != nil {
		return fmt.Errorf("read wallet balance: %w", err)
	}
	if bal.Cmp(cfg.YAmountRaw) < 0 {
		return types.Errorf(types.KindValidation, "simpley.init",
			"insufficient Y balance: have %s, need %s", bal, cfg.YAmountRaw)
	}
	s.state = syOpening
	return nil
}

// adopt resumes tracking an existing position after a restart.
func (s *SimpleY) adopt(ctx context.Context, address string) error {
	pos, err := s.env.AMM.ReadPosition(ctx, address)
	if err != nil {
		return fmt.Errorf("read position %s: %w", address, err)
	}
	s.position = pos.Address
	s.lower, s.upper = pos.LowerBin, pos.UpperBin

	active, err := s.env.AMM.ReadActiveBin(ctx, s.cfg.PoolAddress)
	if err != nil {
		return fmt.Errorf("read active bin: %w", err)
	}
	switch {
	case active > s.upper:
		s.state = syOutOfRangeUp
		s.outSince = s.clock()
	case active < s.lower:
		s.state = syOutOfRangeDown
		s.outSince = s.clock()
	default:
		s.state = syInRange
	}
	s.logger.Info("adopted position", "position", pos.Address, "state", s.state.String())
	return nil
}

func (s *SimpleY) Tick(ctx context.Context, inst *types.Instance) (Decision, error) {
	switch s.state {
	case syOpening:
		if err := s.openFresh(ctx, inst, s.cfg.YAmountRaw); err != nil {
			s.fail(inst, reasonOpenFailed, err)
			return Hold, err
		}
		return Hold, nil
	case syDone:
		return Complete, nil
	case syInRange, syOutOfRangeUp, syOutOfRangeDown:
	default:
		return Hold, nil
	}

	active, err := s.env.AMM.ReadActiveBin(ctx, s.cfg.PoolAddress)
	if err != nil {
		return Hold, fmt.Errorf("read active bin: %w", err)
	}
	pos, err := s.env.AMM.ReadPosition(ctx, s.position)
	if err != nil {
		return Hold, fmt.Errorf("read position: %w", err)
	}

	price := binPrice(s.pool, active)
	snap := s.analyzer.Tick(buildObservation([]types.Position{pos}, active, s.lower, s.upper, price))
	inst.LastSnapshot = &snap

	return s.evaluate(active), nil
}

// evaluate advances the range-tracking states for one observation of the
// active bin. Transitions into an out state are evaluated in the same tick,
// so zero timeouts and zero offsets fire immediately.
func (s *SimpleY) evaluate(active int) Decision {
	now := s.clock()

	if active >= s.lower && active <= s.upper {
		if s.state != syInRange {
			// Back in range: the since timer and trip counter reset fully.
			s.state = syInRange
			s.outSince = time.Time{}
			s.stopLossTicks = 0
		}
		return Hold
	}

	switch {
	case active > s.upper && s.state != syOutOfRangeUp:
		s.state = syOutOfRangeUp
		s.outSince = now
		s.stopLossTicks = 0
	case active < s.lower && s.state != syOutOfRangeDown:
		s.state = syOutOfRangeDown
		s.outSince = now
		s.stopLossTicks = 0
	}

	if s.state == syOutOfRangeDown {
		// Stop-loss wins every tie-break.
		if active <= s.lower-*s.cfg.StopLossBinOffset {
			s.stopLossTicks++
		} else {
			s.stopLossTicks = 0
		}
		if s.stopLossTicks >= s.cfg.StopLossCount {
			return StopLoss
		}
		if now.Sub(s.outSince) >= s.cfg.downwardTimeout() {
			return StopLoss
		}
		return Hold
	}

	if now.Sub(s.outSince) >= s.cfg.upwardTimeout() {
		return RecenterUp
	}
	return Hold
}

func (s *SimpleY) Handle(ctx context.Context, inst *types.Instance, d Decision) error {
	switch d {
	case RecenterUp:
		return s.recenter(ctx, inst)
	case StopLoss:
		return s.stopLoss(ctx, inst)
	default:
		return nil
	}
}

// recenter closes the stale range, converts X proceeds back to Y, and
// reopens at the current active bin with everything recovered. Ends in
// InRange or Error, never an out-of-range state.
func (s *SimpleY) recenter(ctx context.Context, inst *types.Instance) error {
	s.state = syRecentering

	closed, err := s.closePosition(ctx, inst, retry.OpPositionClose)
	if err != nil {
		s.fail(inst, reasonRecenterFailed, err)
		return err
	}

	yBudget := closed.LiquidityYRaw.Add(closed.FeesYRaw)
	out, err := s.swapToY(ctx, inst, retry.OpOutOfRange, closed.LiquidityXRaw.Add(closed.FeesXRaw))
	if err != nil {
		s.fail(inst, reasonRecenterFailed, err)
		return err
	}
	if out != nil {
		yBudget = yBudget.Add(out.OutRaw)
	}

	if err := s.openFresh(ctx, inst, yBudget); err != nil {
		s.fail(inst, reasonRecenterFailed, err)
		return err
	}
	s.logger.Info("recentered", "lower", s.lower, "upper", s.upper)
	return nil
}

// stopLoss unwinds the position and converts residual X to Y. The close
// runs on the patient cleanup pacing.
func (s *SimpleY) stopLoss(ctx context.Context, inst *types.Instance) error {
	s.state = syClosing
	appendLedger(inst, types.LedgerEntry{Kind: types.LedgerStopLoss, Position: s.position})
	s.logger.Warn("stop-loss triggered", "position", s.position, "lower", s.lower)

	closed, err := s.closePosition(ctx, inst, retry.OpStopLoss)
	if err != nil {
		s.fail(inst, reasonCloseFailed, err)
		return err
	}
	if _, err := s.swapToY(ctx, inst, retry.OpStopLossSwap, closed.LiquidityXRaw.Add(closed.FeesXRaw)); err != nil {
		s.fail(inst, reasonCloseFailed, err)
		return err
	}
	s.finish(inst, types.ReasonStopLoss)
	return nil
}

// Teardown closes any remaining position on the cleanup pacing. Residual X
// stays in the wallet; only the stop-loss path swaps it back.
func (s *SimpleY) Teardown(ctx context.Context, inst *types.Instance, reason string) error {
	if s.position == "" {
		s.state = syDone
		return nil
	}
	if _, err := s.closePosition(ctx, inst, retry.OpPositionCleanup); err != nil {
		s.fail(inst, types.ReasonCleanupFailed, err)
		return err
	}
	s.state = syDone
	s.logger.Info("torn down", "reason", reason)
	return nil
}

// ——————————————————————————————————————————————————————————————————————————
// Chain actions
// ——————————————————————————————————————————————————————————————————————————

// openFresh opens a Y-sided position of the configured width at the current
// active bin. Each retry attempt re-reads the anchor so a stale bin never
// decides the range.
func (s *SimpleY) openFresh(ctx context.Context, inst *types.Instance, amount types.RawAmount) error {
	var pos types.Position
	var price float64
	err := s.env.Retry.Do(ctx, s.id, retry.OpPositionCreate, func(ctx context.Context) error {
		active, err := s.env.AMM.ReadActiveBin(ctx, s.cfg.PoolAddress)
		if err != nil {
			return err
		}
		lower, upper := dlmm.BinRange(types.SideY, active, s.cfg.BinRange)
		p, _, err := s.env.AMM.OpenPosition(ctx, dlmm.OpenRequest{
			Pool:        s.cfg.PoolAddress,
			Side:        types.SideY,
			LowerBin:    lower,
			UpperBin:    upper,
			AmountYRaw:  amount,
			SlippageBps: s.cfg.SlippageBps,
		})
		if err != nil {
			return err
		}
		pos = p
		price = binPrice(s.pool, active)
		return nil
	})
	if err != nil {
		return err
	}

	s.position = pos.Address
	s.lower, s.upper = pos.LowerBin, pos.UpperBin
	s.state = syInRange
	s.outSince = time.Time{}
	s.stopLossTicks = 0
	inst.Positions = []string{pos.Address}
	appendLedger(inst, types.LedgerEntry{
		Kind:     types.LedgerOpen,
		Position: pos.Address,
		YRaw:     amount,
		Price:    price,
	})
	s.analyzer.OnOpen(types.SideY, types.RawAmount{}, amount, price)
	s.logger.Info("position opened", "position", pos.Address, "lower", s.lower, "upper", s.upper)
	return nil
}

// closePosition reads the position for its proceeds, closes it on-chain,
// and records the outcome. A close that keeps reporting "position does not
// exist" already landed and counts as success.
func (s *SimpleY) closePosition(ctx context.Context, inst *types.Instance, opType string) (types.Position, error) {
	pos, err := s.env.AMM.ReadPosition(ctx, s.position)
	if err != nil {
		if !types.HasKind(err, types.KindNotFound) {
			return types.Position{}, fmt.Errorf("read position before close: %w", err)
		}
		pos = types.Position{Address: s.position}
	}

	err = s.env.Retry.Do(ctx, s.id, opType, func(ctx context.Context) error {
		_, err := s.env.AMM.ClosePosition(ctx, s.position)
		return err
	})
	if err != nil && !types.HasKind(err, types.KindNotFound) {
		return types.Position{}, err
	}

	price := 0.0
	if inst.LastSnapshot != nil {
		price = inst.LastSnapshot.Price
	}
	if active, aerr := s.env.AMM.ReadActiveBin(ctx, s.cfg.PoolAddress); aerr == nil {
		price = binPrice(s.pool, active)
	}

	appendLedger(inst, types.LedgerEntry{
		Kind:     types.LedgerClose,
		Position: pos.Address,
		XRaw:     pos.LiquidityXRaw,
		YRaw:     pos.LiquidityYRaw,
		FeesXRaw: pos.FeesXRaw,
		FeesYRaw: pos.FeesYRaw,
		Price:    price,
	})
	s.analyzer.OnClose(pos.LiquidityXRaw, pos.LiquidityYRaw, pos.FeesXRaw, pos.FeesYRaw, price)
	s.position = ""
	inst.Positions = nil
	s.logger.Info("position closed", "position", pos.Address)
	return pos, nil
}

// swapToY converts an X amount back into Y. Zero amounts are a no-op and
// return a nil result.
func (s *SimpleY) swapToY(ctx context.Context, inst *types.Instance, opType string, amount types.RawAmount) (*swap.Result, error) {
	res, err := swapTokens(ctx, s.env, s.id, opType, swap.QuoteRequest{
		InputMint:      s.pool.TokenXMint,
		OutputMint:     s.pool.TokenYMint,
		AmountRaw:      amount,
		SlippageBps:    s.cfg.SlippageBps,
		InputDecimals:  s.pool.DecimalsX,
		OutputDecimals: s.pool.DecimalsY,
	})
	if err != nil || res == nil {
		return res, err
	}
	appendLedger(inst, types.LedgerEntry{
		Kind:  types.LedgerSwap,
		XRaw:  amount,
		YRaw:  res.OutRaw,
		Price: res.EffectivePrice.InexactFloat64(),
	})
	s.logger.Info("swapped X to Y", "inRaw", amount.String(), "outRaw", res.OutRaw.String())
	return res, nil
}

// fail parks the executor and surfaces the reason on the record.
func (s *SimpleY) fail(inst *types.Instance, reason string, err error) {
	s.state = syError
	inst.Status = types.StatusError
	inst.Reason = reason
	s.logger.Error("strategy failed", "reason", reason, "error", err)
}

// finish marks the strategy complete.
func (s *SimpleY) finish(inst *types.Instance, reason string) {
	s.state = syDone
	now := s.clock()
	inst.Status = types.StatusCompleted
	inst.Reason = reason
	inst.StoppedAt = &now
	s.logger.Info("strategy completed", "reason", reason)
}
