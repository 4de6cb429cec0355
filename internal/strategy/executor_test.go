package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dlmm-keeper/internal/analytics"
	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/dlmm"
	"dlmm-keeper/internal/retry"
	"dlmm-keeper/internal/swap"
	"dlmm-keeper/pkg/types"
)

// fakeAMM is an in-memory pool: positions open and close against a settable
// active bin.
type fakeAMM struct {
	mu        sync.Mutex
	pool      types.Pool
	active    int
	seq       int
	positions map[string]types.Position
	opens     []dlmm.OpenRequest
	closed    []string
	harvested []string

	activeErr error // next ReadActiveBin fails with this, then clears
	openErr   error // OpenPosition fails with this while set
}

func newFakeAMM(active int) *fakeAMM {
	return &fakeAMM{
		pool: types.Pool{
			Address:    "PoolAddr111",
			TokenXMint: "MintX11111",
			TokenYMint: "MintY11111",
			DecimalsX:  6,
			DecimalsY:  9,
			BinStep:    20,
		},
		active:    active,
		positions: make(map[string]types.Position),
	}
}

func (f *fakeAMM) setActive(bin int) {
	f.mu.Lock()
	f.active = bin
	f.mu.Unlock()
}

// setLiquidity overwrites a position's holdings, simulating composition
// drift as the price crosses bins.
func (f *fakeAMM) setLiquidity(address string, xRaw, yRaw, feesX, feesY types.RawAmount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := f.positions[address]
	pos.LiquidityXRaw, pos.LiquidityYRaw = xRaw, yRaw
	pos.FeesXRaw, pos.FeesYRaw = feesX, feesY
	f.positions[address] = pos
}

func (f *fakeAMM) Owner() string { return "OwnerWallet1111" }

func (f *fakeAMM) ReadPool(ctx context.Context, address string) (types.Pool, error) {
	return f.pool, nil
}

func (f *fakeAMM) ReadActiveBin(ctx context.Context, pool string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		err := f.activeErr
		f.activeErr = nil
		return 0, err
	}
	return f.active, nil
}

func (f *fakeAMM) ReadPosition(ctx context.Context, address string) (types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[address]
	if !ok {
		return types.Position{}, types.Errorf(types.KindNotFound, "fake.position", "position %s not found", address)
	}
	return pos, nil
}

func (f *fakeAMM) PositionsForOwner(ctx context.Context, owner string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Position, 0, len(f.positions))
	for _, pos := range f.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (f *fakeAMM) OpenPosition(ctx context.Context, req dlmm.OpenRequest) (types.Position, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return types.Position{}, "", f.openErr
	}
	f.seq++
	addr := fmt.Sprintf("PosAddr%03d", f.seq)
	pos := types.Position{
		Address:       addr,
		Pool:          req.Pool,
		Owner:         "OwnerWallet1111",
		LowerBin:      req.LowerBin,
		UpperBin:      req.UpperBin,
		LiquidityXRaw: req.AmountXRaw,
		LiquidityYRaw: req.AmountYRaw,
	}
	f.positions[addr] = pos
	f.opens = append(f.opens, req)
	return pos, "sig-open-" + addr, nil
}

func (f *fakeAMM) ClosePosition(ctx context.Context, position string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, position)
	f.closed = append(f.closed, position)
	return "sig-close-" + position, nil
}

func (f *fakeAMM) HarvestFees(ctx context.Context, position string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[position]
	if !ok {
		return "", types.Errorf(types.KindNotFound, "fake.harvest", "position %s not found", position)
	}
	pos.FeesXRaw, pos.FeesYRaw = types.RawAmount{}, types.RawAmount{}
	f.positions[position] = pos
	f.harvested = append(f.harvested, position)
	return "sig-harvest-" + position, nil
}

// fakeSwapper fills every quote at a fixed price with no slippage.
type fakeSwapper struct {
	mu    sync.Mutex
	xMint string
	price decimal.Decimal // Y per X
	swaps []swap.QuoteRequest
}

func (f *fakeSwapper) Quote(ctx context.Context, req swap.QuoteRequest) (*swap.Quote, error) {
	in := types.ToHuman(req.AmountRaw, req.InputDecimals)
	var out decimal.Decimal
	if req.InputMint == f.xMint {
		out = in.Mul(f.price)
	} else {
		out = in.Div(f.price)
	}
	raw := types.ToRaw(out, req.OutputDecimals)
	return &swap.Quote{Request: req, OutRaw: raw, MinOutRaw: raw, EstPrice: f.price}, nil
}

func (f *fakeSwapper) Execute(ctx context.Context, q *swap.Quote) (*swap.Result, error) {
	f.mu.Lock()
	f.swaps = append(f.swaps, q.Request)
	f.mu.Unlock()
	return &swap.Result{Signature: "sig-swap", OutRaw: q.OutRaw, EffectivePrice: q.EstPrice}, nil
}

type fakeBalances struct {
	mu       sync.Mutex
	balances map[string]types.RawAmount // mint → balance
}

func (f *fakeBalances) set(mint string, amount types.RawAmount) {
	f.mu.Lock()
	f.balances[mint] = amount
	f.mu.Unlock()
}

func (f *fakeBalances) GetTokenBalance(ctx context.Context, owner, mint string) (types.RawAmount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[mint], nil
}

// testRig is an executor environment over the fakes, with a manual clock.
type testRig struct {
	amm *fakeAMM
	swp *fakeSwapper
	bal *fakeBalances
	bus *bus.Bus
	env Env
	now time.Time
}

func newTestRig(active int) *testRig {
	amm := newFakeAMM(active)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &testRig{
		amm: amm,
		swp: &fakeSwapper{xMint: amm.pool.TokenXMint, price: decimal.NewFromInt(150)},
		bal: &fakeBalances{balances: make(map[string]types.RawAmount)},
		bus: bus.New(),
		now: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	r.env = Env{
		AMM:      r.amm,
		Swapper:  r.swp,
		Balances: r.bal,
		Retry:    retry.NewCoordinator(nil, logger),
		Bus:      r.bus,
		Logger:   logger,
		NewAnalyzer: func(pool types.Pool) *analytics.Analyzer {
			return analytics.New(config.AnalyticsConfig{}, pool, nil)
		},
		Defaults: config.DefaultParams{
			BinRange:          10,
			StopLossCount:     1,
			StopLossBinOffset: 35,
			UpwardTimeout:     300 * time.Second,
			DownwardTimeout:   60 * time.Second,
			SlippageBps:       50,
		},
	}
	return r
}

func (r *testRig) clock() time.Time { return r.now }

func (r *testRig) advance(d time.Duration) { r.now = r.now.Add(d) }

// ledgerKinds flattens an instance's ledger for order assertions.
func ledgerKinds(inst *types.Instance) []types.LedgerKind {
	kinds := make([]types.LedgerKind, len(inst.Ledger))
	for i, e := range inst.Ledger {
		kinds[i] = e.Kind
	}
	return kinds
}
