// Package retry re-runs fallible chain operations under per-operation-type
// policies. Attempts for the same (instance, operation type) pair are
// serialized, so a slow close can never interleave with its own retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/pkg/types"
)

// Operation types the runtime retries.
const (
	OpPositionCreate  = "position.create"
	OpPositionClose   = "position.close"
	OpPositionCleanup = "position.cleanup"
	OpStopLoss        = "stop.loss"
	OpStopLossSwap    = "stop.loss.token.swap"
	OpOutOfRange      = "outOfRange.handler"
	OpFeeHarvest      = "fee.harvest"
)

// Policy controls attempts, pacing, and which failures are worth retrying.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     float64 // 1 = fixed delay
	Retryable   func(error) bool
}

// transientClass paces fast composite operations: 2s, then 4s. Confirmation
// timeouts are excluded because the transaction may have landed; blindly
// re-running a create or swap could double it.
func transientClass() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Backoff:     2,
		Retryable: func(err error) bool {
			return types.HasKind(err, types.KindTransientRPC, types.KindSlippageTransient) &&
				!errors.Is(err, types.ErrConfirmTimeout)
		},
	}
}

// cleanupClass paces idempotent teardown: three fixed 30s attempts. A
// not-found here is usually read lag or a close that already landed, and a
// timed-out close is safe to re-run.
func cleanupClass() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       30 * time.Second,
		Backoff:     1,
		Retryable: func(err error) bool {
			return types.HasKind(err, types.KindTransientRPC, types.KindNotFound) ||
				errors.Is(err, types.ErrConfirmTimeout)
		},
	}
}

// PolicyFor returns the default policy of an operation type.
func PolicyFor(opType string) Policy {
	switch opType {
	case OpPositionCleanup, OpStopLoss:
		return cleanupClass()
	case OpPositionClose:
		p := transientClass()
		p.Retryable = func(err error) bool {
			return types.HasKind(err, types.KindTransientRPC, types.KindNotFound)
		}
		return p
	default:
		return transientClass()
	}
}

// Coordinator runs operations under retry policies.
type Coordinator struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCoordinator(m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		locks:   make(map[string]*sync.Mutex),
		metrics: m,
		logger:  logger.With("component", "retry"),
	}
}

// Do runs op under the operation type's default policy.
func (c *Coordinator) Do(ctx context.Context, instanceID, opType string, op func(context.Context) error) error {
	return c.DoWithPolicy(ctx, instanceID, opType, PolicyFor(opType), op, nil)
}

// DoWithValidator also runs validate after each successful attempt. A
// validation failure counts as a failed attempt.
func (c *Coordinator) DoWithValidator(ctx context.Context, instanceID, opType string, op, validate func(context.Context) error) error {
	return c.DoWithPolicy(ctx, instanceID, opType, PolicyFor(opType), op, validate)
}

// DoWithPolicy runs op under an explicit policy override.
func (c *Coordinator) DoWithPolicy(ctx context.Context, instanceID, opType string, p Policy, op, validate func(context.Context) error) error {
	lock := c.lockFor(instanceID + "/" + opType)
	lock.Lock()
	defer lock.Unlock()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	delay := p.Delay

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.RecordRetry(opType)
			c.logger.Warn("retrying operation",
				"instance", instanceID, "operation", opType,
				"attempt", attempt, "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if p.Backoff > 1 {
				delay = time.Duration(float64(delay) * p.Backoff)
			}
		}

		err := op(ctx)
		if err == nil && validate != nil {
			err = validate(ctx)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", opType, p.MaxAttempts, lastErr)
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}
