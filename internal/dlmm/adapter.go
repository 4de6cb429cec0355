package dlmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/internal/solana"
	"dlmm-keeper/pkg/types"
)

// OpenRequest describes a position to open. Amounts are raw base units; the
// side decides which of them the program pulls.
type OpenRequest struct {
	Pool        string
	Side        types.PositionSide
	LowerBin    int
	UpperBin    int
	AmountXRaw  types.RawAmount
	AmountYRaw  types.RawAmount
	SlippageBps int
}

// Adapter is the chain-facing AMM surface used by strategies and the health
// checker.
type Adapter struct {
	gw        *solana.Gateway
	sender    *solana.Sender
	api       *resty.Client
	decimals  *DecimalsCache
	programID string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(cfg config.AMMConfig, gw *solana.Gateway, sender *solana.Sender, m *metrics.Metrics, logger *slog.Logger) (*Adapter, error) {
	decimals, err := NewDecimalsCache(gw, 256)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		gw:     gw,
		sender: sender,
		api: resty.New().
			SetBaseURL(cfg.APIBaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		decimals:  decimals,
		programID: cfg.ProgramID,
		metrics:   m,
		logger:    logger.With("component", "dlmm"),
	}, nil
}

// Owner returns the wallet address positions are opened under.
func (a *Adapter) Owner() string { return a.sender.Wallet() }

// ReadPool loads pool metadata, resolving mint decimals through the cache.
func (a *Adapter) ReadPool(ctx context.Context, address string) (types.Pool, error) {
	info, err := a.gw.GetAccountInfo(ctx, address)
	if err != nil {
		return types.Pool{}, err
	}
	layout, err := decodePool(info.Data)
	if err != nil {
		return types.Pool{}, types.E(types.KindInternal, "dlmm.readPool", err)
	}

	dx, err := a.decimals.Decimals(ctx, layout.TokenXMint)
	if err != nil {
		return types.Pool{}, fmt.Errorf("token X decimals: %w", err)
	}
	dy, err := a.decimals.Decimals(ctx, layout.TokenYMint)
	if err != nil {
		return types.Pool{}, fmt.Errorf("token Y decimals: %w", err)
	}

	return types.Pool{
		Address:    address,
		TokenXMint: layout.TokenXMint,
		TokenYMint: layout.TokenYMint,
		DecimalsX:  dx,
		DecimalsY:  dy,
		BinStep:    layout.BinStep,
	}, nil
}

// ReadActiveBin returns the pool's current active bin.
func (a *Adapter) ReadActiveBin(ctx context.Context, pool string) (int, error) {
	info, err := a.gw.GetAccountInfo(ctx, pool)
	if err != nil {
		return 0, err
	}
	layout, err := decodePool(info.Data)
	if err != nil {
		return 0, types.E(types.KindInternal, "dlmm.readActiveBin", err)
	}
	return layout.ActiveBin, nil
}

// ReadPosition reloads one position account.
func (a *Adapter) ReadPosition(ctx context.Context, address string) (types.Position, error) {
	info, err := a.gw.GetAccountInfo(ctx, address)
	if err != nil {
		return types.Position{}, err
	}
	pos, err := decodePosition(address, info.Data)
	if err != nil {
		return types.Position{}, types.E(types.KindInternal, "dlmm.readPosition", err)
	}
	return pos, nil
}

// PositionsForOwner lists every open position owned by a wallet.
func (a *Adapter) PositionsForOwner(ctx context.Context, owner string) ([]types.Position, error) {
	filters := []solana.MemcmpFilter{{Offset: positionOwnerOffset, Bytes: owner}}
	accts, err := a.gw.GetProgramAccounts(ctx, a.programID, positionDataLen, filters)
	if err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(accts))
	for _, acct := range accts {
		pos, err := decodePosition(acct.Pubkey, acct.Account.Data)
		if err != nil {
			return nil, types.E(types.KindInternal, "dlmm.positionsForOwner", err)
		}
		out = append(out, pos)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Mutations via the transaction build API
// ————————————————————————————————————————————————————————————————————————

type apiError struct {
	Error string `json:"error"`
}

type openTxResponse struct {
	Transaction string `json:"transaction"`
	Position    string `json:"position"`
}

type txResponse struct {
	Transaction string `json:"transaction"`
}

func (a *Adapter) buildTx(ctx context.Context, op, path string, body, out any) error {
	var apiErr apiError
	resp, err := a.api.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return types.E(types.KindTransientRPC, op, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status()
		}
		switch code := resp.StatusCode(); {
		case code == 404:
			return types.Errorf(types.KindNotFound, op, "%s", msg)
		case code == 429 || code >= 500:
			return types.Errorf(types.KindTransientRPC, op, "%s", msg)
		default:
			return types.Errorf(types.KindValidation, op, "%s", msg)
		}
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, operation, unsigned string) (string, error) {
	sig, err := a.sender.Send(ctx, unsigned)
	switch {
	case err == nil:
		a.metrics.RecordTransaction(operation, "confirmed")
	case errors.Is(err, types.ErrConfirmTimeout):
		a.metrics.RecordTransaction(operation, "timeout")
	default:
		a.metrics.RecordTransaction(operation, "failed")
	}
	return sig, err
}

// OpenPosition opens a position through the build API and returns the
// confirmed on-chain state.
func (a *Adapter) OpenPosition(ctx context.Context, req OpenRequest) (types.Position, string, error) {
	const op = "dlmm.openPosition"

	body := map[string]any{
		"pool":        req.Pool,
		"owner":       a.sender.Wallet(),
		"lowerBin":    req.LowerBin,
		"upperBin":    req.UpperBin,
		"amountX":     req.AmountXRaw.String(),
		"amountY":     req.AmountYRaw.String(),
		"slippageBps": req.SlippageBps,
	}
	var built openTxResponse
	if err := a.buildTx(ctx, op, "/transaction/open-position", body, &built); err != nil {
		return types.Position{}, "", err
	}
	if built.Transaction == "" || built.Position == "" {
		return types.Position{}, "", types.Errorf(types.KindInternal, op, "build api returned an empty transaction")
	}

	sig, err := a.send(ctx, "position.open", built.Transaction)
	if err != nil {
		return types.Position{}, sig, err
	}
	a.logger.Info("position opened",
		"pool", req.Pool, "position", built.Position,
		"lower", req.LowerBin, "upper", req.UpperBin, "signature", sig)

	pos, err := a.ReadPosition(ctx, built.Position)
	if err != nil {
		return types.Position{}, sig, fmt.Errorf("read back position: %w", err)
	}
	return pos, sig, nil
}

// ClosePosition removes all liquidity, claims pending fees, and closes the
// position account.
func (a *Adapter) ClosePosition(ctx context.Context, position string) (string, error) {
	const op = "dlmm.closePosition"

	var built txResponse
	body := map[string]any{"position": position, "owner": a.sender.Wallet()}
	if err := a.buildTx(ctx, op, "/transaction/close-position", body, &built); err != nil {
		return "", err
	}
	if built.Transaction == "" {
		return "", types.Errorf(types.KindInternal, op, "build api returned an empty transaction")
	}

	sig, err := a.send(ctx, "position.close", built.Transaction)
	if err != nil {
		return sig, err
	}
	a.logger.Info("position closed", "position", position, "signature", sig)
	return sig, nil
}

// HarvestFees claims pending fees without touching liquidity.
func (a *Adapter) HarvestFees(ctx context.Context, position string) (string, error) {
	const op = "dlmm.harvestFees"

	var built txResponse
	body := map[string]any{"position": position, "owner": a.sender.Wallet()}
	if err := a.buildTx(ctx, op, "/transaction/claim-fees", body, &built); err != nil {
		return "", err
	}
	if built.Transaction == "" {
		return "", types.Errorf(types.KindInternal, op, "build api returned an empty transaction")
	}

	sig, err := a.send(ctx, "position.harvest", built.Transaction)
	if err != nil {
		return sig, err
	}
	a.logger.Info("fees harvested", "position", position, "signature", sig)
	return sig, nil
}
