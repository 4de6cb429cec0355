// Package health audits live instances against the chain and storage.
//
// The checker runs a slow loop beside the schedulers and looks for three
// kinds of trouble: instances that stopped ticking, recorded positions the
// chain no longer knows, and on-chain positions no record claims. Findings
// are logged and published on the bus; with auto-remediation enabled the
// checker asks the manager to rebuild drifted instances.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/store"
	"dlmm-keeper/pkg/types"
)

const defaultAuditInterval = 5 * time.Minute

// Audit check names carried in findings.
const (
	CheckTickStall     = "tick-stall"
	CheckPositionDrift = "position-drift"
	CheckRecordMissing = "record-missing"
)

// Registry is the instance view the checker audits. Satisfied by
// *manager.Manager.
type Registry interface {
	List() []*types.Instance
}

// Remediator rebuilds a drifted instance from its record plus adopted
// positions. Satisfied by *manager.Manager.
type Remediator interface {
	Reconcile(ctx context.Context, id string, extra []string) error
}

// ChainReader is the wallet surface the audit needs. Satisfied by
// *dlmm.Adapter.
type ChainReader interface {
	Owner() string
	PositionsForOwner(ctx context.Context, owner string) ([]types.Position, error)
}

// Checker periodically audits every active instance.
type Checker struct {
	cfg          config.HealthConfig
	tickInterval time.Duration
	registry     Registry
	remediator   Remediator
	chain        ChainReader
	store        *store.Store
	bus          *bus.Bus
	logger       *slog.Logger
	clock        func() time.Time
}

// New builds a checker. remediator may be nil when auto-remediation is off.
func New(cfg config.Config, registry Registry, remediator Remediator, chain ChainReader, st *store.Store, b *bus.Bus, logger *slog.Logger) *Checker {
	tick := cfg.Strategy.MonitorInterval
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Checker{
		cfg:          cfg.Health,
		tickInterval: tick,
		registry:     registry,
		remediator:   remediator,
		chain:        chain,
		store:        st,
		bus:          b,
		logger:       logger.With("component", "health"),
		clock:        time.Now,
	}
}

// Run audits on the configured interval until the context is canceled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = defaultAuditInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Audit(ctx)
		}
	}
}

// Audit runs one pass over all active instances and returns the findings.
// Each finding is also logged and published on the health topic.
func (c *Checker) Audit(ctx context.Context) []bus.Finding {
	insts := c.registry.List()
	now := c.clock()

	onchain := make(map[string]types.Position)
	chainOK := false
	if positions, err := c.chain.PositionsForOwner(ctx, c.chain.Owner()); err != nil {
		c.logger.Warn("position audit skipped", "error", err)
	} else {
		chainOK = true
		for _, pos := range positions {
			onchain[pos.Address] = pos
		}
	}

	var findings []bus.Finding
	claimed := make(map[string]bool)
	poolOwner := make(map[string]string) // pool -> instance id

	for _, inst := range insts {
		if !inst.Status.Active() {
			continue
		}
		if pool := poolAddress(inst.Config); pool != "" {
			poolOwner[pool] = inst.ID
		}
		for _, addr := range inst.Positions {
			claimed[addr] = true
		}

		if rec, err := c.store.Load(inst.ID); err == nil && rec == nil {
			findings = append(findings, c.finding(inst.ID, CheckRecordMissing,
				"instance record missing from storage", now))
		}

		if inst.Status != types.StatusPaused {
			if f, stalled := c.checkTicking(inst, now); stalled {
				findings = append(findings, f)
			}
		}

		if chainOK {
			for _, addr := range inst.Positions {
				if _, ok := onchain[addr]; !ok {
					findings = append(findings, c.finding(inst.ID, CheckPositionDrift,
						fmt.Sprintf("recorded position %s not found on chain", addr), now))
				}
			}
		}
	}

	// Positions the wallet owns that no active instance records.
	unclaimed := make(map[string][]string) // pool -> addresses
	if chainOK {
		for addr, pos := range onchain {
			if !claimed[addr] {
				findings = append(findings, c.finding(poolOwner[pos.Pool], CheckPositionDrift,
					fmt.Sprintf("unclaimed on-chain position %s in pool %s", addr, pos.Pool), now))
				unclaimed[pos.Pool] = append(unclaimed[pos.Pool], addr)
			}
		}
	}

	for _, f := range findings {
		c.logger.Warn("health finding",
			"instance", f.InstanceID, "check", f.Check, "detail", f.Detail)
		if c.bus != nil {
			c.bus.Publish(bus.TopicHealthFinding, f)
		}
	}

	if c.cfg.AutoRemediate {
		extraFor := make(map[string][]string) // instance id -> adoptable addresses
		for pool, addrs := range unclaimed {
			if id := poolOwner[pool]; id != "" {
				extraFor[id] = addrs
			}
		}
		c.remediate(ctx, findings, extraFor)
	}
	return findings
}

// checkTicking flags an instance whose snapshot is older than twice its
// cadence. Instances that never produced a snapshot are measured from
// their start time.
func (c *Checker) checkTicking(inst *types.Instance, now time.Time) (bus.Finding, bool) {
	interval := c.instanceInterval(inst)
	limit := 2 * interval

	var last time.Time
	switch {
	case inst.LastSnapshot != nil:
		last = inst.LastSnapshot.Timestamp
	case inst.StartedAt != nil:
		last = *inst.StartedAt
	default:
		return bus.Finding{}, false
	}
	age := now.Sub(last)
	if age <= limit {
		return bus.Finding{}, false
	}
	return c.finding(inst.ID, CheckTickStall,
		fmt.Sprintf("no tick for %s (interval %s)", age.Round(time.Second), interval), now), true
}

// remediate asks the manager to rebuild every instance named in a drift
// finding, handing it the unclaimed positions of its pool. Unclaimed
// positions in pools nobody watches stay untouched.
func (c *Checker) remediate(ctx context.Context, findings []bus.Finding, extraFor map[string][]string) {
	if c.remediator == nil {
		return
	}
	done := make(map[string]bool)
	for _, f := range findings {
		if f.Check != CheckPositionDrift || f.InstanceID == "" || done[f.InstanceID] {
			continue
		}
		done[f.InstanceID] = true
		if err := c.remediator.Reconcile(ctx, f.InstanceID, extraFor[f.InstanceID]); err != nil {
			c.logger.Error("remediation failed", "instance", f.InstanceID, "error", err)
		} else {
			c.logger.Info("instance reconciled", "instance", f.InstanceID)
		}
	}
}

// instanceInterval mirrors the scheduler's cadence resolution without
// holding an executor: the instance's own interval when configured, the
// process default otherwise.
func (c *Checker) instanceInterval(inst *types.Instance) time.Duration {
	var probe struct {
		MonitoringIntervalSeconds int `json:"monitoringIntervalSeconds"`
	}
	if err := json.Unmarshal(inst.Config, &probe); err == nil && probe.MonitoringIntervalSeconds > 0 {
		return time.Duration(probe.MonitoringIntervalSeconds) * time.Second
	}
	return c.tickInterval
}

func (c *Checker) finding(instanceID, check, detail string, now time.Time) bus.Finding {
	return bus.Finding{
		InstanceID: instanceID,
		Check:      check,
		Detail:     detail,
		Timestamp:  now,
	}
}

func poolAddress(raw json.RawMessage) string {
	var probe struct {
		PoolAddress string `json:"poolAddress"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.PoolAddress
}
