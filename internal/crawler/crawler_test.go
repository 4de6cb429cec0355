package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
)

func pair(address string, liquidity, volume, fees float64) apiPair {
	return apiPair{
		Address:        address,
		Name:           "X-Y",
		MintX:          "MintX1111",
		MintY:          "MintY1111",
		BinStep:        20,
		Liquidity:      strconv.FormatFloat(liquidity, 'f', -1, 64),
		TradeVolume24h: volume,
		Fees24h:        fees,
		CurrentPrice:   150,
	}
}

// servePages serves the paginated pool list, one slice per page.
func servePages(t *testing.T, pages [][]apiPair) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/pair/all_with_pagination" {
			http.NotFound(w, r)
			return
		}
		pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var out pairsPage
		if pageNum < len(pages) {
			out.Pairs = pages[pageNum]
		}
		for _, p := range pages {
			out.Total += len(p)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			t.Errorf("encode page: %v", err)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &requests
}

type snapshotSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *snapshotSink) record(ev bus.Event) {
	snap, ok := ev.Data.(Snapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *snapshotSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func (s *snapshotSink) last() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return Snapshot{}, false
	}
	return s.snaps[len(s.snaps)-1], true
}

func newTestCrawler(t *testing.T, baseURL string, ccfg config.CrawlerConfig) (*Crawler, *snapshotSink) {
	t.Helper()
	cfg := config.Config{
		AMM: config.AMMConfig{
			APIBaseURL:     baseURL,
			RequestTimeout: 2 * time.Second,
		},
		Crawler: ccfg,
	}
	b := bus.New()
	sink := &snapshotSink{}
	b.Subscribe(bus.TopicCrawlerPrefix+"*", sink.record)
	c := New(cfg, b, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, sink
}

func TestCrawlerScanPublishesRankedPools(t *testing.T) {
	t.Parallel()

	// Scores with the 250k norm: deep 5000/500000×1 = 0.01,
	// mid 2000/100000×0.4 = 0.008, flat 1000/250000×1 = 0.004.
	ts, _ := servePages(t, [][]apiPair{{
		pair("PoolFlat11", 250_000, 120_000, 1_000),
		pair("PoolThin11", 5_000, 900_000, 4_000),
		pair("PoolDeep11", 500_000, 1_000_000, 5_000),
		pair("PoolQuiet1", 300_000, 5_000, 2_000),
		pair("PoolMid111", 100_000, 400_000, 2_000),
	}})

	c, sink := newTestCrawler(t, ts.URL, config.CrawlerConfig{
		Enabled:         true,
		MinLiquidityUSD: 50_000,
		MinVolume24hUSD: 10_000,
		MaxPools:        2,
	})
	c.scan(context.Background())

	snap, ok := sink.last()
	if !ok {
		t.Fatal("no snapshot published")
	}
	if len(snap.Pools) != 2 {
		t.Fatalf("pools = %d, want 2", len(snap.Pools))
	}
	if snap.Pools[0].Address != "PoolDeep11" || snap.Pools[1].Address != "PoolMid111" {
		t.Fatalf("ranking = [%s %s], want [PoolDeep11 PoolMid111]",
			snap.Pools[0].Address, snap.Pools[1].Address)
	}
	if got := snap.Pools[0].Score; got < 0.0099 || got > 0.0101 {
		t.Fatalf("top score = %v, want ~0.01", got)
	}
	if snap.ScannedAt.IsZero() {
		t.Fatal("ScannedAt not set")
	}
}

func TestCrawlerFetchPaginates(t *testing.T) {
	t.Parallel()

	full := make([]apiPair, pageLimit)
	for i := range full {
		full[i] = pair(fmt.Sprintf("Pool%03d", i), 100_000, 50_000, 500)
	}
	tail := []apiPair{
		pair("PoolTailA1", 100_000, 50_000, 500),
		pair("PoolTailB1", 100_000, 50_000, 500),
	}
	ts, requests := servePages(t, [][]apiPair{full, tail})

	c, _ := newTestCrawler(t, ts.URL, config.CrawlerConfig{Enabled: true})
	pairs, err := c.fetchPairs(context.Background())
	if err != nil {
		t.Fatalf("fetchPairs: %v", err)
	}
	if len(pairs) != pageLimit+2 {
		t.Fatalf("pairs = %d, want %d", len(pairs), pageLimit+2)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
}

func TestCrawlerScanSkipsPublishOnError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	c, sink := newTestCrawler(t, ts.URL, config.CrawlerConfig{Enabled: true})
	c.scan(context.Background())

	if sink.count() != 0 {
		t.Fatalf("snapshots = %d, want 0 after API failure", sink.count())
	}
}

func TestCrawlerSkipsUnparseableLiquidity(t *testing.T) {
	t.Parallel()

	broken := pair("PoolBroken", 0, 50_000, 500)
	broken.Liquidity = "n/a"
	ts, _ := servePages(t, [][]apiPair{{
		broken,
		pair("PoolGood11", 100_000, 50_000, 500),
	}})

	c, sink := newTestCrawler(t, ts.URL, config.CrawlerConfig{Enabled: true})
	c.scan(context.Background())

	snap, ok := sink.last()
	if !ok {
		t.Fatal("no snapshot published")
	}
	if len(snap.Pools) != 1 || snap.Pools[0].Address != "PoolGood11" {
		t.Fatalf("pools = %+v, want only PoolGood11", snap.Pools)
	}
}

func TestCrawlerRunPollsOnInterval(t *testing.T) {
	t.Parallel()

	ts, _ := servePages(t, [][]apiPair{{
		pair("PoolDeep11", 500_000, 1_000_000, 5_000),
	}})
	c, sink := newTestCrawler(t, ts.URL, config.CrawlerConfig{
		Enabled:      true,
		PollInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.count() < 3 {
		t.Fatalf("snapshots = %d, want at least 3 (immediate scan plus polls)", sink.count())
	}
}
