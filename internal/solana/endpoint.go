package solana

import (
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	cooldownBase = 2 * time.Second
	cooldownCap  = 60 * time.Second
)

// endpoint is one RPC node with its health state. Requests are dispatched to
// the first available endpoint in priority order; a failing endpoint sits out
// an exponentially growing cooldown before it is tried again.
type endpoint struct {
	url    string
	client *resty.Client

	mu            sync.Mutex
	failures      int
	lastLatency   time.Duration
	lastErr       error
	cooldownUntil time.Time
}

func newEndpoint(url string, timeout time.Duration) *endpoint {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &endpoint{url: url, client: client}
}

// available reports whether the endpoint may serve a request now.
func (e *endpoint) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.After(e.cooldownUntil)
}

// markFailure records a failed request and extends the cooldown: base 2s,
// doubling per consecutive failure, capped at 60s.
func (e *endpoint) markFailure(err error, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastErr = err

	cooldown := cooldownBase << (e.failures - 1)
	if cooldown > cooldownCap || cooldown <= 0 {
		cooldown = cooldownCap
	}
	e.cooldownUntil = now.Add(cooldown)
}

// markSuccess records a served request and resets the failure streak.
func (e *endpoint) markSuccess(latency time.Duration, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures = 0
	e.lastErr = nil
	e.lastLatency = latency
	e.cooldownUntil = time.Time{}
}

// Health is a point-in-time view of one endpoint, for /api/info and logs.
type Health struct {
	URL           string        `json:"url"`
	Healthy       bool          `json:"healthy"`
	Failures      int           `json:"failures"`
	LastLatencyMs int64         `json:"lastLatencyMs"`
	LastError     string        `json:"lastError,omitempty"`
	CooldownFor   time.Duration `json:"-"`
}

func (e *endpoint) health(now time.Time) Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{
		URL:           e.url,
		Healthy:       now.After(e.cooldownUntil),
		Failures:      e.failures,
		LastLatencyMs: e.lastLatency.Milliseconds(),
	}
	if e.lastErr != nil {
		h.LastError = e.lastErr.Error()
	}
	if !h.Healthy {
		h.CooldownFor = e.cooldownUntil.Sub(now)
	}
	return h
}
