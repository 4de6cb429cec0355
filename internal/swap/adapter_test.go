package swap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	sig string
	err error
}

func (f *fakeSender) Wallet() string { return "keeperWallet" }

func (f *fakeSender) Send(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.sig, nil
}

// fakeBalances returns balances per mint in call order.
type fakeBalances struct {
	mu       sync.Mutex
	sequence map[string][]string
}

func (f *fakeBalances) GetTokenBalance(_ context.Context, _, mint string) (types.RawAmount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.sequence[mint]
	if len(seq) == 0 {
		return types.NewRaw(0), nil
	}
	next := seq[0]
	if len(seq) > 1 {
		f.sequence[mint] = seq[1:]
	}
	return types.RawFromString(next)
}

func newTestAdapter(t *testing.T, apiURL string, sender *fakeSender, balances *fakeBalances) *Adapter {
	t.Helper()
	if balances == nil {
		balances = &fakeBalances{}
	}
	cfg := config.SwapConfig{BaseURL: apiURL, RequestTimeout: 5 * time.Second}
	return New(cfg, sender, balances, nil, discardLogger())
}

func TestQuoteParsesRoute(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("amount") != "1000000000" || q.Get("slippageBps") != "50" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if q.Get("onlyDirectRoutes") != "true" {
			t.Error("protection flag not forwarded")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"outAmount":            "150000000",
			"otherAmountThreshold": "149250000",
			"routePlan":            []any{},
		})
	}))
	t.Cleanup(api.Close)

	adapter := newTestAdapter(t, api.URL, &fakeSender{}, nil)
	quote, err := adapter.Quote(context.Background(), QuoteRequest{
		InputMint:      "mintX",
		OutputMint:     "mintY",
		AmountRaw:      types.NewRaw(1_000_000_000),
		SlippageBps:    50,
		InputDecimals:  9,
		OutputDecimals: 6,
		Protection:     ProtectionFlags{DirectRoutesOnly: true},
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.OutRaw.String() != "150000000" {
		t.Errorf("outRaw = %s", quote.OutRaw)
	}
	if quote.MinOutRaw.String() != "149250000" {
		t.Errorf("minOutRaw = %s", quote.MinOutRaw)
	}
	// 1 X at 9dp -> 150 Y at 6dp
	if got := quote.EstPrice.InexactFloat64(); got != 150 {
		t.Errorf("estPrice = %v, want 150", got)
	}
	if len(quote.Route) == 0 {
		t.Error("route payload should carry the raw quote")
	}
}

func TestQuoteRejectsZeroAmount(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, "http://unused.test", &fakeSender{}, nil)
	_, err := adapter.Quote(context.Background(), QuoteRequest{AmountRaw: types.NewRaw(0)})
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("kind = %v, want validation", types.KindOf(err))
	}
}

func TestExecuteMeasuresBalanceDelta(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swap" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			UserPublicKey string          `json:"userPublicKey"`
			QuoteResponse json.RawMessage `json:"quoteResponse"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.UserPublicKey != "keeperWallet" {
			t.Errorf("userPublicKey = %s", body.UserPublicKey)
		}
		if len(body.QuoteResponse) == 0 {
			t.Error("route not passed back")
		}
		json.NewEncoder(w).Encode(map[string]string{"swapTransaction": "dW5zaWduZWQ="})
	}))
	t.Cleanup(api.Close)

	balances := &fakeBalances{sequence: map[string][]string{
		"mintY": {"1000000", "151000000"},
	}}
	adapter := newTestAdapter(t, api.URL, &fakeSender{sig: "5sig"}, balances)

	quote := &Quote{
		Request: QuoteRequest{
			InputMint:      "mintX",
			OutputMint:     "mintY",
			AmountRaw:      types.NewRaw(1_000_000_000),
			InputDecimals:  9,
			OutputDecimals: 6,
		},
		Route: json.RawMessage(`{"outAmount":"150000000"}`),
	}
	res, err := adapter.Execute(context.Background(), quote)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Signature != "5sig" {
		t.Errorf("signature = %s", res.Signature)
	}
	if res.OutRaw.String() != "150000000" {
		t.Errorf("outRaw = %s, want 150000000", res.OutRaw)
	}
	if got := res.EffectivePrice.InexactFloat64(); got != 150 {
		t.Errorf("effectivePrice = %v, want 150", got)
	}
}

func TestExecuteReclassifiesSlippage(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"swapTransaction": "dW5zaWduZWQ="})
	}))
	t.Cleanup(api.Close)

	sender := &fakeSender{err: types.Errorf(types.KindOnChainTerminal, "rpc.sendTransaction",
		"custom program error: 0x1771")}
	adapter := newTestAdapter(t, api.URL, sender, nil)

	_, err := adapter.Execute(context.Background(), &Quote{
		Request: QuoteRequest{OutputMint: "mintY", AmountRaw: types.NewRaw(1)},
		Route:   json.RawMessage(`{}`),
	})
	if types.KindOf(err) != types.KindSlippageTransient {
		t.Fatalf("kind = %v, want slippage-transient", types.KindOf(err))
	}
}

func TestBreakerOpensAfterOutage(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(api.Close)

	adapter := newTestAdapter(t, api.URL, &fakeSender{}, nil)
	req := QuoteRequest{InputMint: "x", OutputMint: "y", AmountRaw: types.NewRaw(1)}

	for i := 0; i < 8; i++ {
		if _, err := adapter.Quote(context.Background(), req); err == nil {
			t.Fatal("quote should fail while the api is down")
		}
	}

	if adapter.BreakerState() != "open" {
		t.Errorf("breaker state = %s, want open", adapter.BreakerState())
	}
	mu.Lock()
	defer mu.Unlock()
	if hits >= 8 {
		t.Errorf("api hits = %d, breaker should have short-circuited some calls", hits)
	}
}

func TestValidationErrorDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown mint"})
	}))
	t.Cleanup(api.Close)

	adapter := newTestAdapter(t, api.URL, &fakeSender{}, nil)
	req := QuoteRequest{InputMint: "bad", OutputMint: "y", AmountRaw: types.NewRaw(1)}

	for i := 0; i < 8; i++ {
		_, err := adapter.Quote(context.Background(), req)
		if types.KindOf(err) != types.KindValidation {
			t.Fatalf("kind = %v, want validation", types.KindOf(err))
		}
	}
	if adapter.BreakerState() != "closed" {
		t.Errorf("breaker state = %s, want closed", adapter.BreakerState())
	}
}
