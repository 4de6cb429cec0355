package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, urls ...string) *Gateway {
	t.Helper()
	cfg := config.SolanaConfig{
		Commitment: "confirmed",
		RPS:        1000,
		Retries:    config.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond, BackoffFactor: 2},
	}
	return NewGateway(cfg, urls, nil, discardLogger())
}

type rpcHandler func(method string, params []json.RawMessage) (any, *RPCError)

// rpcServer fakes a Solana JSON-RPC node.
func rpcServer(t *testing.T, handle rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayFailsOverToBackup(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(primary.Close)

	backup := rpcServer(t, func(method string, _ []json.RawMessage) (any, *RPCError) {
		if method != "getLatestBlockhash" {
			t.Errorf("unexpected method %s", method)
		}
		return map[string]any{"value": map[string]any{"blockhash": "9sHcv6xwn"}}, nil
	})

	gw := newTestGateway(t, primary.URL, backup.URL)
	hash, err := gw.GetLatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("GetLatestBlockhash: %v", err)
	}
	if hash != "9sHcv6xwn" {
		t.Errorf("blockhash = %q", hash)
	}

	health := gw.EndpointHealth()
	if len(health) != 2 {
		t.Fatalf("health entries = %d, want 2", len(health))
	}
	if health[0].Healthy {
		t.Error("primary should be cooling down after a 503")
	}
	if !health[1].Healthy {
		t.Error("backup should stay healthy")
	}
}

func TestClassifyRPCError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   *RPCError
		want types.Kind
	}{
		{
			"expired blockhash",
			&RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"},
			types.KindSlippageTransient,
		},
		{
			"program error",
			&RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 2: custom program error: 0x1771"},
			types.KindOnChainTerminal,
		},
		{
			"insufficient lamports",
			&RPCError{Code: -32002, Message: "Transaction results in an account with insufficient lamports for rent"},
			types.KindOnChainTerminal,
		},
		{
			"invalid params",
			&RPCError{Code: -32602, Message: "Invalid params: unable to parse pubkey"},
			types.KindInternal,
		},
		{
			"node behind",
			&RPCError{Code: -32005, Message: "Node is behind by 150 slots"},
			types.KindTransientRPC,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := types.KindOf(classifyRPCError("rpc.test", tt.in)); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetAccountInfoMissing(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": nil}, nil
	})

	gw := newTestGateway(t, srv.URL)
	_, err := gw.GetAccountInfo(context.Background(), "6Y7LNbkf1nqpDy1gDJGK848xEyLsoX2bgzcp3rEBk1eK")
	if types.KindOf(err) != types.KindNotFound {
		t.Fatalf("kind = %v, want not-found", types.KindOf(err))
	}
}

func TestGetAccountInfoDecodesData(t *testing.T) {
	t.Parallel()

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": map[string]any{
			"data":     []string{base64.StdEncoding.EncodeToString(payload), "base64"},
			"owner":    "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo",
			"lamports": 1500000,
		}}, nil
	})

	gw := newTestGateway(t, srv.URL)
	info, err := gw.GetAccountInfo(context.Background(), "5BmR1vdzfGLn3UqDGjfM4jJXQJ8cPUJeBuzj7gWzxHaR")
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if !bytes.Equal(info.Data, payload) {
		t.Errorf("data = %x, want %x", info.Data, payload)
	}
	if info.Owner != "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo" {
		t.Errorf("owner = %q", info.Owner)
	}
	if info.Lamports != 1500000 {
		t.Errorf("lamports = %d", info.Lamports)
	}
}

func TestGetProgramAccountsFilters(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		if len(params) != 2 {
			t.Errorf("params = %d, want 2", len(params))
			return []any{}, nil
		}
		var opts struct {
			Filters []map[string]json.RawMessage `json:"filters"`
		}
		if err := json.Unmarshal(params[1], &opts); err != nil {
			t.Errorf("decode opts: %v", err)
		}
		if len(opts.Filters) != 2 {
			t.Errorf("filters = %d, want dataSize + memcmp", len(opts.Filters))
		}
		return []any{map[string]any{
			"pubkey":  "9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT",
			"account": map[string]any{"data": []string{"", "base64"}, "owner": "prog", "lamports": 1},
		}}, nil
	})

	gw := newTestGateway(t, srv.URL)
	accts, err := gw.GetProgramAccounts(context.Background(), "prog", 200, []MemcmpFilter{{Offset: 8, Bytes: "abc"}})
	if err != nil {
		t.Fatalf("GetProgramAccounts: %v", err)
	}
	if len(accts) != 1 || accts[0].Pubkey != "9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT" {
		t.Errorf("accounts = %+v", accts)
	}
}

func TestSendTransactionTerminalNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		hits.Add(1)
		return nil, &RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x1"}
	})

	cfg := config.SolanaConfig{
		Commitment: "confirmed",
		RPS:        1000,
		Retries:    config.RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, BackoffFactor: 2},
	}
	gw := NewGateway(cfg, []string{srv.URL}, nil, discardLogger())

	_, err := gw.SendTransaction(context.Background(), "AAEC")
	if types.KindOf(err) != types.KindOnChainTerminal {
		t.Fatalf("kind = %v, want on-chain-terminal", types.KindOf(err))
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("request hits = %d, want 1 (terminal errors must not retry)", n)
	}
	if h := gw.EndpointHealth()[0]; !h.Healthy {
		t.Error("endpoint should stay healthy after an on-chain error")
	}
}

func TestGetTokenBalanceSumsAccounts(t *testing.T) {
	t.Parallel()

	acct := func(amount string) map[string]any {
		return map[string]any{"account": map[string]any{"data": map[string]any{
			"parsed": map[string]any{"info": map[string]any{
				"tokenAmount": map[string]any{"amount": amount},
			}},
		}}}
	}
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{acct("100"), acct("50")}}, nil
	})

	gw := newTestGateway(t, srv.URL)
	got, err := gw.GetTokenBalance(context.Background(), "owner", "mint")
	if err != nil {
		t.Fatalf("GetTokenBalance: %v", err)
	}
	if got.String() != "150" {
		t.Errorf("balance = %s, want 150", got)
	}
}
