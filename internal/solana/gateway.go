// Package solana implements the chain gateway: pooled, health-tracked access
// to RPC endpoints, wallet signing, serialized transaction submission, and
// signature confirmation.
//
// The gateway speaks raw JSON-RPC over HTTP. A request goes to the first
// available endpoint in priority order; endpoint failures start an
// exponential cooldown (2s base, 60s cap) and the request moves to the next
// endpoint. Network and HTTP errors are retryable; on-chain failures are
// terminal and surface unchanged.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/pkg/types"
)

const requestTimeout = 10 * time.Second

// Gateway is the pooled RPC client shared by all adapters.
type Gateway struct {
	endpoints  []*endpoint
	limiter    *rate.Limiter
	commitment types.Commitment
	retries    config.RetryConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
	reqID      atomic.Int64
}

// NewGateway builds a gateway over urls in priority order (primary first).
func NewGateway(cfg config.SolanaConfig, urls []string, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	eps := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, newEndpoint(u, requestTimeout))
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}

	return &Gateway{
		endpoints:  eps,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		commitment: types.Commitment(cfg.Commitment),
		retries:    cfg.Retries,
		logger:     logger.With("component", "gateway"),
		metrics:    m,
	}
}

// Commitment returns the configured confirmation level.
func (g *Gateway) Commitment() types.Commitment { return g.commitment }

// EndpointHealth reports the current state of every endpoint.
func (g *Gateway) EndpointHealth() []Health {
	now := time.Now()
	out := make([]Health, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		out = append(out, ep.health(now))
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// JSON-RPC plumbing
// ————————————————————————————————————————————————————————————————————————

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is the JSON-RPC error object returned by a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call runs one RPC with gateway-level retries on transient failures.
// Terminal errors short-circuit.
func (g *Gateway) call(ctx context.Context, method string, params []any, out any) error {
	delay := g.retries.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	attempts := g.retries.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if g.retries.BackoffFactor > 1 {
				delay = time.Duration(float64(delay) * g.retries.BackoffFactor)
			}
		}

		err := g.once(ctx, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !types.HasKind(err, types.KindTransientRPC) {
			return err
		}
	}
	return lastErr
}

// once makes a single pass over the endpoint pool.
func (g *Gateway) once(ctx context.Context, method string, params []any, out any) error {
	op := "rpc." + method
	now := time.Now()
	tried := 0

	for _, ep := range g.endpoints {
		if !ep.available(now) {
			continue
		}
		tried++

		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		req := rpcRequest{JSONRPC: "2.0", ID: g.reqID.Add(1), Method: method, Params: params}
		var body rpcResponse
		start := time.Now()
		resp, err := ep.client.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&body).
			Post("")
		latency := time.Since(start)

		if err != nil {
			ep.markFailure(err, time.Now())
			g.metrics.ObserveRPC(ep.url, method, "network-error", latency)
			g.logger.Warn("rpc endpoint failed", "endpoint", ep.url, "method", method, "error", err)
			continue
		}
		if code := resp.StatusCode(); code != 200 {
			err := types.Errorf(types.KindTransientRPC, op, "http status %d from %s", code, ep.url)
			ep.markFailure(err, time.Now())
			g.metrics.ObserveRPC(ep.url, method, fmt.Sprintf("http-%d", code), latency)
			g.logger.Warn("rpc endpoint failed", "endpoint", ep.url, "method", method, "status", code)
			continue
		}
		if body.Error != nil {
			err := classifyRPCError(op, body.Error)
			if types.HasKind(err, types.KindTransientRPC) {
				// The node answered but is unhealthy; cool it and move on.
				ep.markFailure(err, time.Now())
				g.metrics.ObserveRPC(ep.url, method, "rpc-transient", latency)
				continue
			}
			// Terminal on-chain result: the endpoint itself is fine.
			ep.markSuccess(latency, time.Now())
			g.metrics.ObserveRPC(ep.url, method, "rpc-error", latency)
			return err
		}

		ep.markSuccess(latency, time.Now())
		g.metrics.ObserveRPC(ep.url, method, "ok", latency)

		if out != nil {
			if err := json.Unmarshal(body.Result, out); err != nil {
				return types.E(types.KindInternal, op, fmt.Errorf("decode result: %w", err))
			}
		}
		return nil
	}

	return types.Errorf(types.KindTransientRPC, op, "no endpoint available (%d tried)", tried)
}

// classifyRPCError maps a node-level error onto the taxonomy. Simulation
// failures carry the underlying cause in the message text.
func classifyRPCError(op string, e *RPCError) error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "blockhash not found"),
		strings.Contains(msg, "block height exceeded"):
		return types.E(types.KindSlippageTransient, op, e)
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient lamports"),
		strings.Contains(msg, "custom program error"),
		strings.Contains(msg, "instruction error"),
		strings.Contains(msg, "instructionerror"):
		return types.E(types.KindOnChainTerminal, op, e)
	case e.Code == -32600, e.Code == -32601, e.Code == -32602:
		// Malformed request: retrying the same call cannot help.
		return types.E(types.KindInternal, op, e)
	default:
		return types.E(types.KindTransientRPC, op, e)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Typed RPC methods
// ————————————————————————————————————————————————————————————————————————

// AccountInfo is a decoded on-chain account.
type AccountInfo struct {
	Owner    string
	Lamports uint64
	Data     []byte
}

type accountValue struct {
	Data     []string `json:"data"` // [base64 payload, "base64"]
	Owner    string   `json:"owner"`
	Lamports uint64   `json:"lamports"`
}

func (v *accountValue) decode() (*AccountInfo, error) {
	info := &AccountInfo{Owner: v.Owner, Lamports: v.Lamports}
	if len(v.Data) > 0 && v.Data[0] != "" {
		raw, err := base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account data: %w", err)
		}
		info.Data = raw
	}
	return info, nil
}

// GetAccountInfo fetches and decodes one account. A missing account is
// KindNotFound.
func (g *Gateway) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	var result struct {
		Value *accountValue `json:"value"`
	}
	params := []any{pubkey, map[string]any{"encoding": "base64", "commitment": g.commitment}}
	if err := g.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, types.Errorf(types.KindNotFound, "rpc.getAccountInfo", "account %s not found", pubkey)
	}
	info, err := result.Value.decode()
	if err != nil {
		return nil, types.E(types.KindInternal, "rpc.getAccountInfo", err)
	}
	return info, nil
}

// KeyedAccount pairs an account with its address.
type KeyedAccount struct {
	Pubkey  string
	Account AccountInfo
}

// MemcmpFilter matches base58-encoded bytes at a byte offset.
type MemcmpFilter struct {
	Offset int
	Bytes  string
}

// GetProgramAccounts lists accounts owned by a program, optionally narrowed
// by data size and memcmp filters.
func (g *Gateway) GetProgramAccounts(ctx context.Context, program string, dataSize int, memcmp []MemcmpFilter) ([]KeyedAccount, error) {
	filters := make([]any, 0, len(memcmp)+1)
	if dataSize > 0 {
		filters = append(filters, map[string]any{"dataSize": dataSize})
	}
	for _, f := range memcmp {
		filters = append(filters, map[string]any{
			"memcmp": map[string]any{"offset": f.Offset, "bytes": f.Bytes},
		})
	}

	opts := map[string]any{"encoding": "base64", "commitment": g.commitment}
	if len(filters) > 0 {
		opts["filters"] = filters
	}

	var result []struct {
		Pubkey  string       `json:"pubkey"`
		Account accountValue `json:"account"`
	}
	if err := g.call(ctx, "getProgramAccounts", []any{program, opts}, &result); err != nil {
		return nil, err
	}

	out := make([]KeyedAccount, 0, len(result))
	for _, r := range result {
		info, err := r.Account.decode()
		if err != nil {
			return nil, types.E(types.KindInternal, "rpc.getProgramAccounts", err)
		}
		out = append(out, KeyedAccount{Pubkey: r.Pubkey, Account: *info})
	}
	return out, nil
}

// GetLatestBlockhash returns the current blockhash.
func (g *Gateway) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": g.commitment}}
	if err := g.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

// SendTransaction submits a signed, base64-encoded transaction and returns
// its signature. Preflight simulation failures surface as terminal errors.
func (g *Gateway) SendTransaction(ctx context.Context, signedB64 string) (string, error) {
	var sig string
	params := []any{signedB64, map[string]any{
		"encoding":            "base64",
		"skipPreflight":       false,
		"preflightCommitment": g.commitment,
		"maxRetries":          0,
	}}
	if err := g.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// GetBalance returns an account's lamport balance.
func (g *Gateway) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{pubkey, map[string]any{"commitment": g.commitment}}
	if err := g.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetTokenBalance sums the owner's balance of one mint across all of their
// token accounts, in raw base units.
func (g *Gateway) GetTokenBalance(ctx context.Context, owner, mint string) (types.RawAmount, error) {
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []any{
		owner,
		map[string]any{"mint": mint},
		map[string]any{"encoding": "jsonParsed", "commitment": g.commitment},
	}
	if err := g.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return types.RawAmount{}, err
	}

	total := types.RawAmount{}
	for _, v := range result.Value {
		amt, err := types.RawFromString(v.Account.Data.Parsed.Info.TokenAmount.Amount)
		if err != nil {
			return types.RawAmount{}, types.E(types.KindInternal, "rpc.getTokenAccountsByOwner", err)
		}
		total = total.Add(amt)
	}
	return total, nil
}
