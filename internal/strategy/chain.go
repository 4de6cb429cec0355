package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"dlmm-keeper/internal/analytics"
	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/dlmm"
	"dlmm-keeper/internal/retry"
	"dlmm-keeper/internal/swap"
	"dlmm-keeper/pkg/types"
)

type chainState int

const (
	chInit chainState = iota
	chOpening
	chTracking
	chShifting
	chHarvesting
	chClosing
	chDone
	chError
)

func (s chainState) String() string {
	switch s {
	case chInit:
		return "init"
	case chOpening:
		return "opening"
	case chTracking:
		return "tracking"
	case chShifting:
		return "shifting"
	case chHarvesting:
		return "harvesting"
	case chClosing:
		return "closing"
	case chDone:
		return "done"
	case chError:
		return "error"
	default:
		return "unknown"
	}
}

// link is one fixed-width position in the chain. Links are kept sorted by
// lower bin, so links[0] is the bottom of the super-range.
type link struct {
	address      string
	lower, upper int
}

// Chain tiles K contiguous equal-width positions into one super-range and
// rolls the range link by link as the price walks: the link farthest from
// the active bin closes and a fresh one opens flush with the near edge.
// Fees are harvested in place once they clear the extraction threshold.
type Chain struct {
	env    Env
	id     string
	logger *slog.Logger
	clock  func() time.Time

	cfg      ChainConfig
	pool     types.Pool
	analyzer *analytics.Analyzer
	slippage int

	state         chainState
	links         []link
	outSince      time.Time
	outAbove      bool // which edge the running out-of-range timer refers to
	stopLossTicks int
}

func newChain(env Env, id string) *Chain {
	return &Chain{
		env:    env,
		id:     id,
		logger: env.Logger.With("component", "chain-position", "instance", id),
		clock:  time.Now,
		state:  chInit,
	}
}

// Interval returns the per-instance cadence. Zero means the process default.
func (c *Chain) Interval() time.Duration {
	return time.Duration(c.cfg.MonitoringIntervalSeconds) * time.Second
}

// Initialize parses the config, resolves the pool, and either adopts the
// recorded links or verifies the wallet can fund the whole chain. A funding
// shortfall is a validation error: the instance never leaves Init.
func (c *Chain) Initialize(ctx context.Context, inst *types.Instance) error {
	var cfg ChainConfig
	if err := decodeStrict(inst.Config, &cfg); err != nil {
		return err
	}
	cfg.applyDefaults(c.env.Defaults)
	if err := cfg.validate(); err != nil {
		return types.E(types.KindValidation, "chain.init", err)
	}
	c.cfg = cfg
	c.slippage = cfg.effectiveSlippage(c.env.Defaults)

	pool, err := c.env.AMM.ReadPool(ctx, cfg.PoolAddress)
	if err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	c.pool = pool
	c.analyzer = c.env.NewAnalyzer(pool)
	c.analyzer.Seed(inst.Ledger, inst.LastSnapshot)

	if len(inst.Positions) > 0 {
		return c.adopt(ctx, inst.Positions)
	}
	if err := c.checkFunding(ctx); err != nil {
		return err
	}
	c.state = chOpening
	return nil
}

// adopt resumes tracking recorded links after a restart.
func (c *Chain) adopt(ctx context.Context, addresses []string) error {
	links := make([]link, 0, len(addresses))
	for _, addr := range addresses {
		pos, err := c.env.AMM.ReadPosition(ctx, addr)
		if err != nil {
			return fmt.Errorf("read position %s: %w", addr, err)
		}
		links = append(links, link{address: pos.Address, lower: pos.LowerBin, upper: pos.UpperBin})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].lower < links[j].lower })
	c.links = links
	c.state = chTracking

	active, err := c.env.AMM.ReadActiveBin(ctx, c.cfg.PoolAddress)
	if err != nil {
		return fmt.Errorf("read active bin: %w", err)
	}
	if active < c.lowerEdge() || active > c.upperEdge() {
		c.outSince = c.clock()
		c.outAbove = active > c.upperEdge()
	}
	c.logger.Info("adopted chain", "links", len(links), "lower", c.lowerEdge(), "upper", c.upperEdge())
	return nil
}

// checkFunding verifies the wallet holds the full chain deposit up front,
// so a chain never opens partially funded.
func (c *Chain) checkFunding(ctx context.Context) error {
	price := 0.0
	if c.cfg.ChainPositionType == types.ChainXY {
		active, err := c.env.AMM.ReadActiveBin(ctx, c.cfg.PoolAddress)
		if err != nil {
			return fmt.Errorf("read active bin: %w", err)
		}
		price = binPrice(c.pool, active)
	}
	xLeg, yLeg := c.linkDeposit(price)

	var needX, needY types.RawAmount
	for i := 0; i < c.cfg.ChainLength; i++ {
		needX = needX.Add(xLeg)
		needY = needY.Add(yLeg)
	}
	if err := c.requireBalance(ctx, c.pool.TokenXMint, "X", needX); err != nil {
		return err
	}
	return c.requireBalance(ctx, c.pool.TokenYMint, "Y", needY)
}

func (c *Chain) requireBalance(ctx context.Context, mint, label string, need types.RawAmount) error {
	if need.Sign() <= 0 {
		return nil
	}
	bal, err := c.env.Balances.GetTokenBalance(ctx, c.env.AMM.Owner(), mint)
	if err != nil {
		return fmt.Errorf("read wallet balance: %w", err)
	}
	if bal.Cmp(need) < 0 {
		return types.Errorf(types.KindValidation, "chain.init",
			"insufficient %s balance: have %s, need %s", label, bal, need)
	}
	return nil
}

// linkDeposit splits the per-link amount into X and Y legs. Y chains
// deposit quote only and X chains base only; two-sided chains read the
// amount as quote value and split it evenly, converting the X half at the
// current price.
func (c *Chain) linkDeposit(price float64) (x, y types.RawAmount) {
	amt := c.cfg.PositionAmountRaw
	switch c.cfg.ChainPositionType {
	case types.ChainX:
		return amt, types.RawAmount{}
	case types.ChainXY:
		half := types.ToHuman(amt, c.pool.DecimalsY).Div(decimal.NewFromInt(2))
		xLeg := types.RawAmount{}
		if price > 0 {
			xLeg = types.ToRaw(half.Div(decimal.NewFromFloat(price)), c.pool.DecimalsX)
		}
		return xLeg, types.ToRaw(half, c.pool.DecimalsY)
	default:
		return types.RawAmount{}, amt
	}
}

func (c *Chain) lowerEdge() int { return c.links[0].lower }
func (c *Chain) upperEdge() int { return c.links[len(c.links)-1].upper }

func (c *Chain) Tick(ctx context.Context, inst *types.Instance) (Decision, error) {
	switch c.state {
	case chOpening:
		if err := c.openChain(ctx, inst); err != nil {
			c.fail(inst, reasonOpenFailed, err)
			return Hold, err
		}
		return Hold, nil
	case chDone:
		return Complete, nil
	case chTracking:
	default:
		return Hold, nil
	}

	active, err := c.env.AMM.ReadActiveBin(ctx, c.cfg.PoolAddress)
	if err != nil {
		return Hold, fmt.Errorf("read active bin: %w", err)
	}
	positions := make([]types.Position, 0, len(c.links))
	for _, lk := range c.links {
		pos, err := c.env.AMM.ReadPosition(ctx, lk.address)
		if err != nil {
			return Hold, fmt.Errorf("read position %s: %w", lk.address, err)
		}
		positions = append(positions, pos)
	}

	price := binPrice(c.pool, active)
	snap := c.analyzer.Tick(buildObservation(positions, active, c.lowerEdge(), c.upperEdge(), price))
	inst.LastSnapshot = &snap

	return c.evaluate(active, positions, price), nil
}

// evaluate orders the chain's responses: stop-loss wins over a shift, and
// a shift over a harvest.
func (c *Chain) evaluate(active int, positions []types.Position, price float64) Decision {
	now := c.clock()
	lower, upper := c.lowerEdge(), c.upperEdge()

	if sl := c.cfg.StopLossConfig; c.cfg.EnableSmartStopLoss && sl != nil {
		if active <= lower-*sl.StopLossBinOffset {
			c.stopLossTicks++
		} else {
			c.stopLossTicks = 0
		}
		if c.stopLossTicks >= sl.StopLossCount {
			return StopLoss
		}
	}

	if active < lower || active > upper {
		above := active > upper
		if c.outSince.IsZero() || above != c.outAbove {
			c.outSince = now
			c.outAbove = above
		}
		if now.Sub(c.outSince) >= c.cfg.outOfRangeTimeout() {
			if above {
				return RecenterUp
			}
			return RecenterDown
		}
		return Hold
	}
	c.outSince = time.Time{}

	if th := c.cfg.YieldExtractionThresholdPercent; th > 0 {
		principal := c.analyzer.PrincipalY()
		if principal > 0 && unrealizedFeesY(positions, c.pool, price) >= th/100*principal {
			return Harvest
		}
	}
	return Hold
}

func (c *Chain) Handle(ctx context.Context, inst *types.Instance, d Decision) error {
	switch d {
	case RecenterUp:
		return c.shift(ctx, inst, true)
	case RecenterDown:
		return c.shift(ctx, inst, false)
	case Harvest:
		return c.harvest(ctx, inst)
	case StopLoss:
		return c.stopLoss(ctx, inst)
	default:
		return nil
	}
}

// Teardown closes all remaining links on the cleanup pacing. Residual
// balances stay in the wallet; only the stop-loss path swaps them back.
func (c *Chain) Teardown(ctx context.Context, inst *types.Instance, reason string) error {
	for len(c.links) > 0 {
		if _, _, err := c.closeLink(ctx, inst, c.links[0], retry.OpPositionCleanup, types.LedgerClose, nil); err != nil {
			c.fail(inst, types.ReasonCleanupFailed, err)
			return err
		}
	}
	c.state = chDone
	c.logger.Info("torn down", "reason", reason)
	return nil
}

// ——————————————————————————————————————————————————————————————————————————
// Chain actions
// ——————————————————————————————————————————————————————————————————————————

// openChain opens K contiguous links anchored at the current active bin.
// All ranges derive from one anchor read so the links tile exactly.
func (c *Chain) openChain(ctx context.Context, inst *types.Instance) error {
	active, err := c.env.AMM.ReadActiveBin(ctx, c.cfg.PoolAddress)
	if err != nil {
		return fmt.Errorf("read active bin: %w", err)
	}

	w, k := c.cfg.BinRange, c.cfg.ChainLength
	totalLower, _ := dlmm.BinRange(c.cfg.ChainPositionType.Side(), active, w*k)
	price := binPrice(c.pool, active)
	xLeg, yLeg := c.linkDeposit(price)

	for i := 0; i < k; i++ {
		lower := totalLower + i*w
		if err := c.openLink(ctx, inst, lower, lower+w-1, xLeg, yLeg, price); err != nil {
			return err
		}
	}
	c.state = chTracking
	c.outSince = time.Time{}
	c.stopLossTicks = 0
	c.logger.Info("chain opened", "links", k, "lower", c.lowerEdge(), "upper", c.upperEdge())
	return nil
}

// shift rolls the chain one link toward the price: the link farthest from
// the active bin closes and a fresh one opens flush with the near edge. A
// reopen failure parks the instance; the chain never silently shrinks.
func (c *Chain) shift(ctx context.Context, inst *types.Instance, up bool) error {
	c.state = chShifting

	var far link
	var lower int
	if up {
		far = c.links[0]
		lower = c.upperEdge() + 1
	} else {
		far = c.links[len(c.links)-1]
		lower = c.lowerEdge() - c.cfg.BinRange
	}

	closed, price, err := c.closeLink(ctx, inst, far, retry.OpPositionClose, types.LedgerPartialClose, nil)
	if err != nil {
		c.fail(inst, reasonShiftFailed, err)
		return err
	}

	xBudget := closed.LiquidityXRaw.Add(closed.FeesXRaw)
	yBudget := closed.LiquidityYRaw.Add(closed.FeesYRaw)
	xBudget, yBudget, err = c.consolidate(ctx, inst, retry.OpOutOfRange, xBudget, yBudget)
	if err != nil {
		c.fail(inst, reasonShiftFailed, err)
		return err
	}
	if xBudget.Sign() == 0 && yBudget.Sign() == 0 {
		err := fmt.Errorf("closed link %s returned no funds", far.address)
		c.fail(inst, reasonShiftFailed, err)
		return err
	}

	if err := c.openLink(ctx, inst, lower, lower+c.cfg.BinRange-1, xBudget, yBudget, price); err != nil {
		c.fail(inst, reasonShiftFailed, err)
		return err
	}
	c.state = chTracking
	c.outSince = time.Time{}
	c.logger.Info("chain shifted", "lower", c.lowerEdge(), "upper", c.upperEdge())
	return nil
}

// harvest claims accrued fees from every link, leaving positions open.
func (c *Chain) harvest(ctx context.Context, inst *types.Instance) error {
	c.state = chHarvesting

	for _, lk := range c.links {
		pos, err := c.env.AMM.ReadPosition(ctx, lk.address)
		if err != nil {
			c.fail(inst, reasonHarvestFailed, err)
			return err
		}
		if pos.FeesXRaw.Sign() == 0 && pos.FeesYRaw.Sign() == 0 {
			continue
		}
		err = c.env.Retry.Do(ctx, c.id, retry.OpFeeHarvest, func(ctx context.Context) error {
			_, err := c.env.AMM.HarvestFees(ctx, lk.address)
			return err
		})
		if err != nil {
			c.fail(inst, reasonHarvestFailed, err)
			return err
		}
		price := 0.0
		if inst.LastSnapshot != nil {
			price = inst.LastSnapshot.Price
		}
		appendLedger(inst, types.LedgerEntry{
			Kind:     types.LedgerFeeHarvest,
			Position: lk.address,
			FeesXRaw: pos.FeesXRaw,
			FeesYRaw: pos.FeesYRaw,
			Price:    price,
		})
		c.analyzer.OnHarvest(pos.FeesXRaw, pos.FeesYRaw)
	}
	c.state = chTracking
	c.logger.Info("fees harvested", "links", len(c.links))
	return nil
}

// stopLoss unwinds every link, broadcasting each close attempt, then
// consolidates the proceeds and completes.
func (c *Chain) stopLoss(ctx context.Context, inst *types.Instance) error {
	c.state = chClosing
	appendLedger(inst, types.LedgerEntry{Kind: types.LedgerStopLoss})
	c.logger.Warn("smart stop-loss triggered", "links", len(c.links), "lower", c.lowerEdge())

	var xBudget, yBudget types.RawAmount
	for len(c.links) > 0 {
		closed, _, err := c.closeLink(ctx, inst, c.links[0], retry.OpStopLoss, types.LedgerClose, func(attempt int) {
			if c.env.Bus != nil {
				c.env.Bus.Publish(bus.TopicSmartStopLoss, bus.StopLossUpdate{
					InstanceID: c.id,
					Reason:     types.ReasonStopLoss,
					Attempt:    attempt,
				})
			}
		})
		if err != nil {
			c.fail(inst, reasonCloseFailed, err)
			return err
		}
		xBudget = xBudget.Add(closed.LiquidityXRaw).Add(closed.FeesXRaw)
		yBudget = yBudget.Add(closed.LiquidityYRaw).Add(closed.FeesYRaw)
	}

	if _, _, err := c.consolidate(ctx, inst, retry.OpStopLossSwap, xBudget, yBudget); err != nil {
		c.fail(inst, reasonCloseFailed, err)
		return err
	}
	c.finish(inst, types.ReasonStopLoss)
	return nil
}

// openLink opens one fixed-range link and splices it into the chain in bin
// order.
func (c *Chain) openLink(ctx context.Context, inst *types.Instance, lower, upper int, xAmount, yAmount types.RawAmount, price float64) error {
	var pos types.Position
	err := c.env.Retry.Do(ctx, c.id, retry.OpPositionCreate, func(ctx context.Context) error {
		p, _, err := c.env.AMM.OpenPosition(ctx, dlmm.OpenRequest{
			Pool:        c.cfg.PoolAddress,
			Side:        c.cfg.ChainPositionType.Side(),
			LowerBin:    lower,
			UpperBin:    upper,
			AmountXRaw:  xAmount,
			AmountYRaw:  yAmount,
			SlippageBps: c.slippage,
		})
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		return err
	}

	c.links = append(c.links, link{address: pos.Address, lower: pos.LowerBin, upper: pos.UpperBin})
	sort.Slice(c.links, func(i, j int) bool { return c.links[i].lower < c.links[j].lower })
	c.syncPositions(inst)
	appendLedger(inst, types.LedgerEntry{
		Kind:     types.LedgerOpen,
		Position: pos.Address,
		XRaw:     xAmount,
		YRaw:     yAmount,
		Price:    price,
	})
	c.analyzer.OnOpen(c.cfg.ChainPositionType.Side(), xAmount, yAmount, price)
	c.logger.Info("link opened", "position", pos.Address, "lower", pos.LowerBin, "upper", pos.UpperBin)
	return nil
}

// closeLink closes one link and books its proceeds. A close that keeps
// reporting "position does not exist" already landed and counts as success.
// onAttempt, when set, observes every close attempt.
func (c *Chain) closeLink(ctx context.Context, inst *types.Instance, lk link, opType string, kind types.LedgerKind, onAttempt func(int)) (types.Position, float64, error) {
	pos, err := c.env.AMM.ReadPosition(ctx, lk.address)
	if err != nil {
		if !types.HasKind(err, types.KindNotFound) {
			return types.Position{}, 0, fmt.Errorf("read position before close: %w", err)
		}
		pos = types.Position{Address: lk.address}
	}

	attempts := 0
	err = c.env.Retry.Do(ctx, c.id, opType, func(ctx context.Context) error {
		attempts++
		if onAttempt != nil {
			onAttempt(attempts)
		}
		_, err := c.env.AMM.ClosePosition(ctx, lk.address)
		return err
	})
	if err != nil && !types.HasKind(err, types.KindNotFound) {
		return types.Position{}, 0, err
	}

	price := 0.0
	if inst.LastSnapshot != nil {
		price = inst.LastSnapshot.Price
	}
	if active, aerr := c.env.AMM.ReadActiveBin(ctx, c.cfg.PoolAddress); aerr == nil {
		price = binPrice(c.pool, active)
	}

	c.removeLink(lk.address)
	c.syncPositions(inst)
	appendLedger(inst, types.LedgerEntry{
		Kind:     kind,
		Position: pos.Address,
		XRaw:     pos.LiquidityXRaw,
		YRaw:     pos.LiquidityYRaw,
		FeesXRaw: pos.FeesXRaw,
		FeesYRaw: pos.FeesYRaw,
		Price:    price,
	})
	c.analyzer.OnClose(pos.LiquidityXRaw, pos.LiquidityYRaw, pos.FeesXRaw, pos.FeesYRaw, price)
	c.logger.Info("link closed", "position", pos.Address)
	return pos, price, nil
}

// consolidate converts proceeds onto the chain's deposit side. Two-sided
// chains redeploy both legs as they came out.
func (c *Chain) consolidate(ctx context.Context, inst *types.Instance, opType string, xBudget, yBudget types.RawAmount) (types.RawAmount, types.RawAmount, error) {
	switch c.cfg.ChainPositionType {
	case types.ChainY:
		res, err := c.swapLeg(ctx, inst, opType, c.pool.TokenXMint, c.pool.TokenYMint, c.pool.DecimalsX, c.pool.DecimalsY, xBudget)
		if err != nil {
			return xBudget, yBudget, err
		}
		if res != nil {
			yBudget = yBudget.Add(res.OutRaw)
		}
		return types.RawAmount{}, yBudget, nil
	case types.ChainX:
		res, err := c.swapLeg(ctx, inst, opType, c.pool.TokenYMint, c.pool.TokenXMint, c.pool.DecimalsY, c.pool.DecimalsX, yBudget)
		if err != nil {
			return xBudget, yBudget, err
		}
		if res != nil {
			xBudget = xBudget.Add(res.OutRaw)
		}
		return xBudget, types.RawAmount{}, nil
	default:
		return xBudget, yBudget, nil
	}
}

// swapLeg converts one leg of proceeds through the swap router. Zero
// amounts are a no-op and return a nil result.
func (c *Chain) swapLeg(ctx context.Context, inst *types.Instance, opType, inMint, outMint string, inDec, outDec uint8, amount types.RawAmount) (*swap.Result, error) {
	res, err := swapTokens(ctx, c.env, c.id, opType, swap.QuoteRequest{
		InputMint:      inMint,
		OutputMint:     outMint,
		AmountRaw:      amount,
		SlippageBps:    c.slippage,
		InputDecimals:  inDec,
		OutputDecimals: outDec,
	})
	if err != nil || res == nil {
		return res, err
	}
	e := types.LedgerEntry{Kind: types.LedgerSwap, Price: res.EffectivePrice.InexactFloat64()}
	if inMint == c.pool.TokenXMint {
		e.XRaw, e.YRaw = amount, res.OutRaw
	} else {
		e.XRaw, e.YRaw = res.OutRaw, amount
	}
	appendLedger(inst, e)
	c.logger.Info("swapped proceeds", "inRaw", amount.String(), "outRaw", res.OutRaw.String())
	return res, nil
}

func (c *Chain) removeLink(address string) {
	for i, lk := range c.links {
		if lk.address == address {
			c.links = append(c.links[:i], c.links[i+1:]...)
			return
		}
	}
}

// syncPositions mirrors the link addresses onto the instance record.
func (c *Chain) syncPositions(inst *types.Instance) {
	if len(c.links) == 0 {
		inst.Positions = nil
		return
	}
	addrs := make([]string, len(c.links))
	for i, lk := range c.links {
		addrs[i] = lk.address
	}
	inst.Positions = addrs
}

// fail parks the executor and surfaces the reason on the record.
func (c *Chain) fail(inst *types.Instance, reason string, err error) {
	c.state = chError
	inst.Status = types.StatusError
	inst.Reason = reason
	c.logger.Error("strategy failed", "reason", reason, "error", err)
}

// finish marks the strategy complete.
func (c *Chain) finish(inst *types.Instance, reason string) {
	c.state = chDone
	now := c.clock()
	inst.Status = types.StatusCompleted
	inst.Reason = reason
	inst.StoppedAt = &now
	c.logger.Info("strategy completed", "reason", reason)
}
