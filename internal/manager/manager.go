// Package manager owns the strategy instance lifecycle: create, start,
// pause, resume, stop, delete, plus crash recovery at boot.
//
// One scheduler goroutine runs per active instance (runLoop in
// scheduler.go); a global semaphore caps how many ticks execute at once.
// Every state change follows the same commit order: act on chain, mutate
// the record, persist it, then publish on the bus. Subscribers never see
// state that is not on disk.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/internal/store"
	"dlmm-keeper/internal/strategy"
	"dlmm-keeper/pkg/types"
)

const (
	defaultTickInterval = 30 * time.Second
	defaultTickBudget   = 2 * time.Minute
	defaultMaxActive    = 10

	reasonRecoveryFailed = "recovery-failed"
)

// slot is one managed instance: its record, executor, and loop handle.
// mu serializes control operations with ticks; a slot never runs two
// executor calls at once.
type slot struct {
	mu     sync.Mutex
	inst   *types.Instance
	exec   strategy.Executor
	cancel context.CancelFunc // non-nil while the tick loop runs
}

// Manager is the instance registry and lifecycle driver.
type Manager struct {
	cfg     config.Config
	env     strategy.Env
	store   *store.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	slotsMu sync.RWMutex
	slots   map[string]*slot

	countsMu sync.Mutex
	counts   map[types.InstanceStatus]int

	sem *semaphore.Weighted

	// newExec builds executors; swapped out in tests.
	newExec func(strategy.Env, *types.Instance) (strategy.Executor, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a manager around an executor environment and a store. Call
// Recover before serving requests so persisted instances come back.
func New(cfg config.Config, env strategy.Env, st *store.Store, logger *slog.Logger) *Manager {
	maxActive := cfg.Strategy.MaxActiveStrategies
	if maxActive <= 0 {
		maxActive = defaultMaxActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		env:     env,
		store:   st,
		bus:     env.Bus,
		metrics: env.Metrics,
		logger:  logger.With("component", "manager"),
		slots:   make(map[string]*slot),
		counts:  make(map[types.InstanceStatus]int),
		sem:     semaphore.NewWeighted(int64(maxActive)),
		newExec: strategy.New,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ——————————————————————————————————————————————————————————————————————————
// Lifecycle operations
// ——————————————————————————————————————————————————————————————————————————

// Create validates the config, persists the new instance in created state,
// and announces it. The instance does not tick until Start.
func (m *Manager) Create(typ types.StrategyType, name string, raw json.RawMessage) (*types.Instance, error) {
	normalized, err := strategy.ValidateConfig(typ, raw, m.cfg.Strategy.DefaultParams)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = string(typ)
	}
	inst := &types.Instance{
		ID:        uuid.NewString(),
		Type:      typ,
		Name:      name,
		Config:    normalized,
		Status:    types.StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Save(inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}

	m.slotsMu.Lock()
	m.slots[inst.ID] = &slot{inst: inst}
	m.slotsMu.Unlock()
	m.noteTransition("", inst.Status)

	m.publish(inst)
	m.logger.Info("instance created", "instance", inst.ID, "type", typ, "name", name)
	return inst.Clone(), nil
}

// Start moves a created instance to running and launches its tick loop.
// Initialization failures (unknown pool, insufficient balance) leave the
// instance in created state so the caller can fix the config and retry.
func (m *Manager) Start(ctx context.Context, id string) error {
	st, err := m.slot(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inst.Status != types.StatusCreated {
		return invalidTransition(st.inst.Status, "start")
	}
	exec, err := m.newExec(m.env, st.inst)
	if err != nil {
		return err
	}
	if err := exec.Initialize(ctx, st.inst); err != nil {
		return fmt.Errorf("initialize instance %s: %w", id, err)
	}
	st.exec = exec

	now := time.Now().UTC()
	st.inst.Status = types.StatusRunning
	st.inst.StartedAt = &now
	st.inst.Reason = ""
	if err := m.store.Save(st.inst); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	m.noteTransition(types.StatusCreated, types.StatusRunning)
	m.publish(st.inst)
	m.launch(st)
	m.logger.Info("instance started", "instance", id, "type", st.inst.Type)
	return nil
}

// Pause keeps the tick loop alive but skips executor calls until Resume.
// Positions stay open and unwatched; pausing does not touch the chain.
func (m *Manager) Pause(id string) error {
	st, err := m.slot(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inst.Status != types.StatusRunning {
		return invalidTransition(st.inst.Status, "pause")
	}
	st.inst.Status = types.StatusPaused
	if err := m.store.Save(st.inst); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	m.noteTransition(types.StatusRunning, types.StatusPaused)
	m.publish(st.inst)
	m.logger.Info("instance paused", "instance", id)
	return nil
}

// Resume returns a paused instance to running.
func (m *Manager) Resume(id string) error {
	st, err := m.slot(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inst.Status != types.StatusPaused {
		return invalidTransition(st.inst.Status, "resume")
	}
	st.inst.Status = types.StatusRunning
	if err := m.store.Save(st.inst); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	m.noteTransition(types.StatusPaused, types.StatusRunning)
	m.publish(st.inst)
	m.logger.Info("instance resumed", "instance", id)
	return nil
}

// Stop unwinds the instance's on-chain state and parks the record in
// stopped. An in-flight tick finishes first; the tick budget bounds the
// wait.
func (m *Manager) Stop(ctx context.Context, id string) error {
	st, err := m.slot(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.inst.Status {
	case types.StatusRunning, types.StatusPaused, types.StatusRecovering:
	default:
		return invalidTransition(st.inst.Status, "stop")
	}
	before := st.inst.Status
	m.stopLoopLocked(st)

	if st.exec != nil {
		if err := st.exec.Teardown(ctx, st.inst, types.ReasonUserStop); err != nil {
			// Teardown moved the record to error/cleanup-failed; commit that.
			if saveErr := m.store.Save(st.inst); saveErr != nil {
				m.logger.Error("persist failed", "instance", id, "error", saveErr)
			} else {
				m.publish(st.inst)
			}
			m.noteTransition(before, st.inst.Status)
			return fmt.Errorf("teardown instance %s: %w", id, err)
		}
	}

	now := time.Now().UTC()
	st.inst.Status = types.StatusStopped
	st.inst.Reason = types.ReasonUserStop
	st.inst.StoppedAt = &now
	if err := m.store.Save(st.inst); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	m.noteTransition(before, types.StatusStopped)
	m.metrics.DropPositionValue(id)
	m.publish(st.inst)
	m.logger.Info("instance stopped", "instance", id)
	return nil
}

// Delete removes a non-active instance record for good. Running and paused
// instances must be stopped first, so no on-chain position loses its owner.
func (m *Manager) Delete(id string) error {
	m.slotsMu.Lock()
	st, ok := m.slots[id]
	if !ok {
		m.slotsMu.Unlock()
		return types.Errorf(types.KindNotFound, "manager", "instance %s not found", id)
	}
	st.mu.Lock()
	if st.inst.Status.Active() {
		status := st.inst.Status
		st.mu.Unlock()
		m.slotsMu.Unlock()
		return invalidTransition(status, "delete")
	}
	before := st.inst.Status
	delete(m.slots, id)
	st.mu.Unlock()
	m.slotsMu.Unlock()

	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.noteTransition(before, "")
	m.metrics.DropPositionValue(id)
	m.logger.Info("instance deleted", "instance", id)
	return nil
}

// Get returns a copy of one instance record.
func (m *Manager) Get(id string) (*types.Instance, error) {
	st, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inst.Clone(), nil
}

// List returns copies of all instance records, oldest first.
func (m *Manager) List() []*types.Instance {
	m.slotsMu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, st := range m.slots {
		slots = append(slots, st)
	}
	m.slotsMu.RUnlock()

	out := make([]*types.Instance, 0, len(slots))
	for _, st := range slots {
		st.mu.Lock()
		out = append(out, st.inst.Clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Templates lists the creatable strategy types with defaults filled in.
func (m *Manager) Templates() []strategy.Template {
	return strategy.Templates(m.cfg.Strategy.DefaultParams)
}

// ——————————————————————————————————————————————————————————————————————————
// Boot recovery
// ——————————————————————————————————————————————————————————————————————————

// Recover reloads persisted instances at boot. Active instances come back
// in recovering state and stay there until one tick validates their
// on-chain positions. Positions found on chain that no record claims are
// adopted by the instance watching that pool; recorded positions missing
// from the chain orphan their instance.
func (m *Manager) Recover(ctx context.Context) error {
	insts, err := m.store.List()
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	unclaimed := m.unclaimedPositions(ctx, insts)

	for _, inst := range insts {
		st := &slot{inst: inst}
		m.slotsMu.Lock()
		m.slots[inst.ID] = st
		m.slotsMu.Unlock()
		m.noteTransition("", inst.Status)

		if !inst.Status.Active() {
			continue
		}
		m.recoverSlot(ctx, st, unclaimed)
	}
	m.logger.Info("recovery complete", "instances", len(insts))
	return nil
}

// unclaimedPositions returns on-chain positions, keyed by pool, that no
// persisted record claims. A crash between confirmation and persist leaves
// such positions behind.
func (m *Manager) unclaimedPositions(ctx context.Context, insts []*types.Instance) map[string][]string {
	if m.env.AMM == nil {
		return nil
	}
	onchain, err := m.env.AMM.PositionsForOwner(ctx, m.env.AMM.Owner())
	if err != nil {
		m.logger.Warn("position reconciliation skipped", "error", err)
		return nil
	}
	claimed := make(map[string]bool)
	for _, inst := range insts {
		for _, p := range inst.Positions {
			claimed[p] = true
		}
	}
	out := make(map[string][]string)
	for _, pos := range onchain {
		if !claimed[pos.Address] {
			out[pos.Pool] = append(out[pos.Pool], pos.Address)
		}
	}
	return out
}

func (m *Manager) recoverSlot(ctx context.Context, st *slot, unclaimed map[string][]string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var extra []string
	if pool := poolAddress(st.inst.Config); pool != "" {
		extra = unclaimed[pool]
		delete(unclaimed, pool)
	}
	m.rebuildLocked(ctx, st, extra)
}

// Reconcile stops an active instance's loop, re-adopts unclaimed positions,
// and rebuilds its executor from the persisted record. The health checker
// calls this when auto-remediation is enabled.
func (m *Manager) Reconcile(ctx context.Context, id string, extra []string) error {
	st, err := m.slot(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.inst.Status.Active() {
		return invalidTransition(st.inst.Status, "reconcile")
	}
	m.stopLoopLocked(st)
	return m.rebuildLocked(ctx, st, extra)
}

// rebuildLocked reconstructs the slot's executor from its record plus any
// extra positions to adopt. Active non-paused instances pass through
// recovering until one tick validates. Caller holds st.mu with no loop
// running.
func (m *Manager) rebuildLocked(ctx context.Context, st *slot, extra []string) error {
	inst := st.inst

	if len(extra) > 0 {
		recorded := make(map[string]bool, len(inst.Positions))
		for _, p := range inst.Positions {
			recorded[p] = true
		}
		for _, a := range extra {
			if !recorded[a] {
				inst.Positions = append(inst.Positions, a)
			}
		}
		m.logger.Warn("adopting unclaimed positions",
			"instance", inst.ID, "positions", extra)
	}

	before := inst.Status
	if before != types.StatusPaused {
		inst.Status = types.StatusRecovering
	}

	exec, err := m.newExec(m.env, inst)
	if err == nil {
		err = exec.Initialize(ctx, inst)
	}
	if err != nil {
		inst.Status = types.StatusError
		if types.HasKind(err, types.KindNotFound) {
			inst.Reason = types.ReasonOrphaned
		} else {
			inst.Reason = reasonRecoveryFailed
		}
		m.logger.Error("recovery failed", "instance", inst.ID, "error", err)
	} else {
		st.exec = exec
	}

	if saveErr := m.store.Save(inst); saveErr != nil {
		m.logger.Error("persist failed", "instance", inst.ID, "error", saveErr)
	} else {
		m.publish(inst)
	}
	if inst.Status != before {
		m.noteTransition(before, inst.Status)
	}
	if st.exec != nil && inst.Status.Active() {
		m.launch(st)
	}
	return err
}

// poolAddress extracts the pool from an instance config without caring
// which executor schema it is.
func poolAddress(raw json.RawMessage) string {
	var probe struct {
		PoolAddress string `json:"poolAddress"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.PoolAddress
}

// Shutdown stops every tick loop and waits for in-flight work. Positions
// stay open on chain; the next boot recovers them.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("manager stopped")
}

// ——————————————————————————————————————————————————————————————————————————
// Internal plumbing
// ——————————————————————————————————————————————————————————————————————————

func (m *Manager) slot(id string) (*slot, error) {
	m.slotsMu.RLock()
	st, ok := m.slots[id]
	m.slotsMu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "manager", "instance %s not found", id)
	}
	return st, nil
}

// launch starts the tick loop for a slot. Caller holds st.mu.
func (m *Manager) launch(st *slot) {
	ctx, cancel := context.WithCancel(m.ctx)
	st.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, st)
	}()
}

// stopLoopLocked cancels the slot's tick loop. Caller holds st.mu.
func (m *Manager) stopLoopLocked(st *slot) {
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
}

// publish announces the instance's committed state. Callers publish only
// after a successful store save.
func (m *Manager) publish(inst *types.Instance) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicStatusUpdate, bus.StatusUpdate{
		InstanceID: inst.ID,
		Status:     inst.Status,
		Reason:     inst.Reason,
		Snapshot:   inst.LastSnapshot,
	})
}

// noteTransition keeps the per-status instance gauge in step with record
// changes. Empty from/to mark creation and deletion.
func (m *Manager) noteTransition(from, to types.InstanceStatus) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	if from != "" {
		m.counts[from]--
	}
	if to != "" {
		m.counts[to]++
	}
	for status, n := range m.counts {
		m.metrics.SetStrategyCount(string(status), float64(n))
	}
}

func invalidTransition(from types.InstanceStatus, op string) error {
	return types.Errorf(types.KindValidation, "manager."+op, "invalid state %s for %s", from, op)
}
