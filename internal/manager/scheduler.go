package manager

import (
	"context"
	"time"

	"dlmm-keeper/internal/strategy"
	"dlmm-keeper/pkg/types"
)

// runLoop drives one instance's tick cadence until its context is canceled
// or the instance reaches a terminal state.
//
// The first tick runs immediately so a freshly started instance opens its
// position without waiting a full interval. A tick that takes longer than
// twice the interval is logged and the queued ticker fire is discarded, so
// a slow instance falls behind instead of bunching ticks.
func (m *Manager) runLoop(ctx context.Context, st *slot) {
	interval := st.exec.Interval()
	if interval <= 0 {
		interval = m.cfg.Strategy.MonitorInterval
	}
	if interval <= 0 {
		interval = defaultTickInterval
	}

	if !m.tick(ctx, st, interval) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	skip := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if skip {
				skip = false
				continue
			}
			start := time.Now()
			alive := m.tick(ctx, st, interval)
			if !alive {
				return
			}
			if elapsed := time.Since(start); elapsed > 2*interval {
				m.logger.Warn("tick overran interval, skipping next",
					"instance", st.instID(), "took", elapsed, "interval", interval)
				skip = true
			}
		}
	}
}

func (st *slot) instID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inst.ID
}

// tick runs one evaluate/act/persist/publish cycle. Returns false when the
// loop should exit: context gone or instance terminal.
func (m *Manager) tick(ctx context.Context, st *slot, interval time.Duration) bool {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer m.sem.Release(1)

	st.mu.Lock()
	defer st.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	inst := st.inst
	if inst.Status == types.StatusPaused {
		return true
	}
	if inst.Status.Terminal() {
		st.cancel = nil
		return false
	}

	budget := m.cfg.Strategy.DefaultTimeout
	if budget <= 0 {
		budget = defaultTickBudget
	}
	tickCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	before := inst.Status
	start := time.Now()
	decision, tickErr := st.exec.Tick(tickCtx, inst)
	if tickErr != nil {
		m.logger.Warn("tick failed", "instance", inst.ID, "error", tickErr)
	}

	switch decision {
	case strategy.RecenterUp, strategy.RecenterDown, strategy.Harvest, strategy.StopLoss:
		if err := st.exec.Handle(tickCtx, inst, decision); err != nil {
			m.logger.Error("action failed",
				"instance", inst.ID, "decision", decision.String(), "error", err)
		}
	}
	m.metrics.ObserveTick(string(inst.Type), decision.String(), time.Since(start))

	// One clean tick confirms the recovered state matches the chain.
	if tickErr == nil && inst.Status == types.StatusRecovering {
		inst.Status = types.StatusRunning
		m.logger.Info("recovery validated", "instance", inst.ID)
	}
	if inst.Status != before {
		m.noteTransition(before, inst.Status)
	}

	if err := m.store.Save(inst); err != nil {
		m.logger.Error("persist failed", "instance", inst.ID, "error", err)
		return true
	}
	m.publish(inst)

	if snap := inst.LastSnapshot; snap != nil {
		m.metrics.SetPositionValue(inst.ID, snap.PositionValueY)
	}
	if inst.Status.Terminal() {
		m.metrics.DropPositionValue(inst.ID)
		m.logger.Info("instance finished",
			"instance", inst.ID, "status", inst.Status, "reason", inst.Reason)
		st.cancel = nil
		return false
	}
	return true
}
