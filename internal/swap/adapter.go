// Package swap executes token swaps through an aggregator API: quote a
// route, build the transaction, sign and submit it, confirm, and measure the
// realized output as the wallet's output-mint balance delta.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/pkg/types"
)

// ProtectionFlags narrow route selection on volatile pairs.
type ProtectionFlags struct {
	DirectRoutesOnly     bool
	RestrictIntermediate bool
}

// QuoteRequest asks for a route swapping AmountRaw of the input mint.
type QuoteRequest struct {
	InputMint      string
	OutputMint     string
	AmountRaw      types.RawAmount
	SlippageBps    int
	InputDecimals  uint8
	OutputDecimals uint8
	Protection     ProtectionFlags
}

// Quote is a priced route. Route carries the aggregator's payload verbatim
// and goes back unchanged on execute.
type Quote struct {
	Request   QuoteRequest
	OutRaw    types.RawAmount
	MinOutRaw types.RawAmount
	EstPrice  decimal.Decimal
	Route     json.RawMessage
}

// Result is the on-chain effect of an executed swap.
type Result struct {
	Signature      string
	OutRaw         types.RawAmount
	EffectivePrice decimal.Decimal
}

type quoteResponse struct {
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

type apiError struct {
	Error string `json:"error"`
}

type balanceReader interface {
	GetTokenBalance(ctx context.Context, owner, mint string) (types.RawAmount, error)
}

// txSender is satisfied by *solana.Sender.
type txSender interface {
	Wallet() string
	Send(ctx context.Context, unsignedB64 string) (string, error)
}

// Adapter quotes and executes swaps. A circuit breaker guards the aggregator
// so a flapping upstream fails fast instead of stalling ticks; only
// transient failures count against it.
type Adapter struct {
	api     *resty.Client
	breaker *gobreaker.CircuitBreaker
	sender  txSender
	chain   balanceReader
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg config.SwapConfig, sender txSender, chain balanceReader, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	st := gobreaker.Settings{Name: "swap-api"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 }
	st.Timeout = 30 * time.Second
	st.IsSuccessful = func(err error) bool {
		return err == nil || !types.HasKind(err, types.KindTransientRPC)
	}

	return &Adapter{
		api: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		breaker: gobreaker.NewCircuitBreaker(st),
		sender:  sender,
		chain:   chain,
		metrics: m,
		logger:  logger.With("component", "swap"),
	}
}

// BreakerState reports the aggregator circuit state for the info endpoint.
func (a *Adapter) BreakerState() string { return a.breaker.State().String() }

// guard runs one aggregator request through the circuit breaker and maps
// failures onto the taxonomy.
func (a *Adapter) guard(op string, fn func() (*resty.Response, error)) (json.RawMessage, error) {
	v, err := a.breaker.Execute(func() (any, error) {
		resp, err := fn()
		if err != nil {
			return nil, types.E(types.KindTransientRPC, op, err)
		}
		if resp.IsError() {
			var e apiError
			_ = json.Unmarshal(resp.Body(), &e)
			msg := e.Error
			if msg == "" {
				msg = resp.Status()
			}
			switch code := resp.StatusCode(); {
			case code == 429 || code >= 500:
				return nil, types.Errorf(types.KindTransientRPC, op, "%s", msg)
			case code == 404:
				return nil, types.Errorf(types.KindNotFound, op, "%s", msg)
			default:
				return nil, types.Errorf(types.KindValidation, op, "%s", msg)
			}
		}
		return json.RawMessage(resp.Body()), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.E(types.KindTransientRPC, op, err)
		}
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Quote fetches a route for the request.
func (a *Adapter) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	const op = "swap.quote"
	if req.AmountRaw.Sign() <= 0 {
		return nil, types.Errorf(types.KindValidation, op, "amount must be positive")
	}

	params := map[string]string{
		"inputMint":   req.InputMint,
		"outputMint":  req.OutputMint,
		"amount":      req.AmountRaw.String(),
		"slippageBps": strconv.Itoa(req.SlippageBps),
	}
	if req.Protection.DirectRoutesOnly {
		params["onlyDirectRoutes"] = "true"
	}
	if req.Protection.RestrictIntermediate {
		params["restrictIntermediateTokens"] = "true"
	}

	body, err := a.guard(op, func() (*resty.Response, error) {
		return a.api.R().SetContext(ctx).SetQueryParams(params).Get("/quote")
	})
	if err != nil {
		return nil, err
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.E(types.KindInternal, op, fmt.Errorf("decode quote: %w", err))
	}
	outRaw, err := types.RawFromString(parsed.OutAmount)
	if err != nil {
		return nil, types.E(types.KindInternal, op, fmt.Errorf("outAmount: %w", err))
	}
	minOut, err := types.RawFromString(parsed.OtherAmountThreshold)
	if err != nil {
		return nil, types.E(types.KindInternal, op, fmt.Errorf("otherAmountThreshold: %w", err))
	}

	in := types.ToHuman(req.AmountRaw, req.InputDecimals)
	out := types.ToHuman(outRaw, req.OutputDecimals)
	est := decimal.Zero
	if !in.IsZero() {
		est = out.Div(in)
	}

	return &Quote{Request: req, OutRaw: outRaw, MinOutRaw: minOut, EstPrice: est, Route: body}, nil
}

// Execute swaps along a previously fetched route. Synchronous: it returns
// the realized output or an error. Expired routes and slippage trips come
// back as SlippageTransient so callers can retry with a fresh quote;
// insufficient balance is terminal.
func (a *Adapter) Execute(ctx context.Context, q *Quote) (*Result, error) {
	const op = "swap.execute"

	owner := a.sender.Wallet()
	before, err := a.chain.GetTokenBalance(ctx, owner, q.Request.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("balance before swap: %w", err)
	}

	body := map[string]any{
		"quoteResponse": q.Route,
		"userPublicKey": owner,
	}
	raw, err := a.guard(op, func() (*resty.Response, error) {
		return a.api.R().SetContext(ctx).SetBody(body).Post("/swap")
	})
	if err != nil {
		return nil, err
	}

	var built swapResponse
	if err := json.Unmarshal(raw, &built); err != nil {
		return nil, types.E(types.KindInternal, op, fmt.Errorf("decode swap transaction: %w", err))
	}
	if built.SwapTransaction == "" {
		return nil, types.Errorf(types.KindInternal, op, "aggregator returned an empty transaction")
	}

	sig, err := a.sender.Send(ctx, built.SwapTransaction)
	if err != nil {
		if errors.Is(err, types.ErrConfirmTimeout) {
			a.metrics.RecordTransaction("swap", "timeout")
		} else {
			a.metrics.RecordTransaction("swap", "failed")
		}
		return nil, reclassify(op, err)
	}
	a.metrics.RecordTransaction("swap", "confirmed")

	after, err := a.chain.GetTokenBalance(ctx, owner, q.Request.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("balance after swap: %w", err)
	}
	outRaw := after.Sub(before)
	if outRaw.Sign() < 0 {
		outRaw = types.NewRaw(0)
	}
	if q.MinOutRaw.Sign() > 0 && outRaw.Cmp(q.MinOutRaw) < 0 {
		a.logger.Warn("swap output below quoted minimum",
			"outRaw", outRaw.String(), "minOutRaw", q.MinOutRaw.String(), "signature", sig)
	}

	in := types.ToHuman(q.Request.AmountRaw, q.Request.InputDecimals)
	out := types.ToHuman(outRaw, q.Request.OutputDecimals)
	price := decimal.Zero
	if !in.IsZero() {
		price = out.Div(in)
	}

	a.logger.Info("swap executed",
		"inputMint", q.Request.InputMint, "outputMint", q.Request.OutputMint,
		"inRaw", q.Request.AmountRaw.String(), "outRaw", outRaw.String(), "signature", sig)

	return &Result{Signature: sig, OutRaw: outRaw, EffectivePrice: price}, nil
}

// Slippage program errors by marker: 0x1771 is SlippageToleranceExceeded.
var slippageMarkers = []string{"slippage", "0x1771"}

// reclassify narrows terminal chain errors: a slippage trip is retryable
// with a fresh route.
func reclassify(op string, err error) error {
	if !types.HasKind(err, types.KindOnChainTerminal) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range slippageMarkers {
		if strings.Contains(msg, marker) {
			return types.E(types.KindSlippageTransient, op, err)
		}
	}
	return err
}
