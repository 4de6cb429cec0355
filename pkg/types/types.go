// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the keeper — pools, bins,
// positions, strategy instances, analytics snapshots, and the error taxonomy.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"encoding/json"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// StrategyType identifies a strategy executor variant.
type StrategyType string

const (
	StrategySimpleY       StrategyType = "simple-y"
	StrategyChainPosition StrategyType = "chain-position"
)

// Valid reports whether t names a known executor.
func (t StrategyType) Valid() bool {
	return t == StrategySimpleY || t == StrategyChainPosition
}

// InstanceStatus is the lifecycle state of a strategy instance.
type InstanceStatus string

const (
	StatusCreated    InstanceStatus = "created"
	StatusRunning    InstanceStatus = "running"
	StatusPaused     InstanceStatus = "paused"
	StatusStopped    InstanceStatus = "stopped"
	StatusError      InstanceStatus = "error"
	StatusCompleted  InstanceStatus = "completed"
	StatusRecovering InstanceStatus = "recovering" // boot recovery until one tick validates on-chain state
)

// Active reports whether the instance may own on-chain positions.
// Stopped and completed instances must own none.
func (s InstanceStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusRecovering
}

// Terminal reports whether the instance has finished for good.
func (s InstanceStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusCompleted
}

// PositionSide says which token(s) a position is funded with.
type PositionSide string

const (
	SideX  PositionSide = "X"  // base token only, range below/at active
	SideY  PositionSide = "Y"  // quote token only, range at/above active
	SideXY PositionSide = "XY" // both sides, range straddles active
)

// ChainVariant selects how a position chain anchors around the active bin.
type ChainVariant string

const (
	ChainY  ChainVariant = "Y_CHAIN"
	ChainX  ChainVariant = "X_CHAIN"
	ChainXY ChainVariant = "XY_CHAIN"
)

// Side returns the per-link position side for the variant.
func (v ChainVariant) Side() PositionSide {
	switch v {
	case ChainX:
		return SideX
	case ChainXY:
		return SideXY
	default:
		return SideY
	}
}

// Valid reports whether v names a known chain variant.
func (v ChainVariant) Valid() bool {
	return v == ChainY || v == ChainX || v == ChainXY
}

// Commitment is the confirmation level requested from the chain.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Reason codes attached to status transitions and ledger events.
const (
	ReasonStopLoss      = "stop-loss"
	ReasonUserStop      = "user-stop"
	ReasonCompleted     = "completed"
	ReasonOrphaned      = "orphaned"
	ReasonCleanupFailed = "cleanup-failed"
)

// ————————————————————————————————————————————————————————————————————————
// Chain objects
// ————————————————————————————————————————————————————————————————————————

// Pool describes one concentrated-liquidity pool. Immutable within a run of
// an instance: mints, decimals and bin step never change for a pool address.
type Pool struct {
	Address    string `json:"address"`
	TokenXMint string `json:"tokenXMint"`
	TokenYMint string `json:"tokenYMint"`
	DecimalsX  uint8  `json:"decimalsX"`
	DecimalsY  uint8  `json:"decimalsY"`
	BinStep    uint16 `json:"binStep"` // price step per bin, in basis points
}

// Position is one on-chain liquidity position over an inclusive bin range.
// Raw amounts preserve full token precision; they are interpreted with the
// owning pool's decimals and never cross a layer without them.
type Position struct {
	Address  string `json:"address"`
	Pool     string `json:"pool"`
	Owner    string `json:"owner"`
	LowerBin int    `json:"lowerBin"`
	UpperBin int    `json:"upperBin"` // inclusive

	LiquidityXRaw RawAmount `json:"liquidityXRaw"`
	LiquidityYRaw RawAmount `json:"liquidityYRaw"`
	FeesXRaw      RawAmount `json:"feesXRaw"` // accrued, unclaimed
	FeesYRaw      RawAmount `json:"feesYRaw"`
}

// Width returns the number of bins the position spans.
func (p Position) Width() int {
	return p.UpperBin - p.LowerBin + 1
}

// InRange reports whether the active bin lies inside the position's range.
func (p Position) InRange(active int) bool {
	return p.LowerBin <= active && active <= p.UpperBin
}

// ————————————————————————————————————————————————————————————————————————
// Strategy instances
// ————————————————————————————————————————————————————————————————————————

// Instance is one strategy instance: the persisted record and the in-memory
// identity are the same shape. Config stays opaque here; each executor
// decodes it against its own schema.
type Instance struct {
	ID     string          `json:"id"`
	Type   StrategyType    `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`

	Status InstanceStatus `json:"status"`
	Reason string         `json:"reason,omitempty"` // why the instance stopped or errored

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`

	Positions    []string      `json:"positions"` // on-chain position addresses owned now
	Ledger       []LedgerEntry `json:"ledger"`
	LastSnapshot *Snapshot     `json:"lastSnapshot,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning goroutine.
func (in *Instance) Clone() *Instance {
	out := *in
	out.Config = append(json.RawMessage(nil), in.Config...)
	out.Positions = append([]string(nil), in.Positions...)
	out.Ledger = append([]LedgerEntry(nil), in.Ledger...)
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.StoppedAt != nil {
		t := *in.StoppedAt
		out.StoppedAt = &t
	}
	if in.LastSnapshot != nil {
		s := *in.LastSnapshot
		out.LastSnapshot = &s
	}
	return &out
}

// ————————————————————————————————————————————————————————————————————————
// Analytics
// ————————————————————————————————————————————————————————————————————————

// WindowRates holds one value per analytics window (5m, 15m, 1h).
type WindowRates struct {
	M5  float64 `json:"m5"`
	M15 float64 `json:"m15"`
	H1  float64 `json:"h1"`
}

// BenchmarkRates mirrors WindowRates but each value is nullable: when no
// benchmark feed is configured the rates are null, never zero.
type BenchmarkRates struct {
	M5  *float64 `json:"m5"`
	M15 *float64 `json:"m15"`
	H1  *float64 `json:"h1"`
}

// Snapshot is one per-tick observation of an instance. Snapshots for one
// instance are strictly ordered by Timestamp.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	ActiveBin int       `json:"activeBin"`
	LowerBin  int       `json:"lowerBin"` // super-range for chain positions
	UpperBin  int       `json:"upperBin"`

	Price          float64 `json:"price"` // human Y per X
	PositionValueY float64 `json:"positionValueY"`
	PnLY           float64 `json:"pnlY"`
	PnLPercent     float64 `json:"pnlPercent"`

	YieldRates         WindowRates    `json:"yieldRates"`
	BenchmarkRates     BenchmarkRates `json:"benchmarkRates"`
	PriceChangePercent WindowRates    `json:"priceChangePercent"`

	// ActiveBinPercentage is (active-lower)/(upper-lower)*100, deliberately
	// unclamped: values outside [0,100] carry out-of-range direction and
	// distance.
	ActiveBinPercentage float64 `json:"activeBinPercentage"`
	InRange             bool    `json:"inRange"`
}

// LedgerKind labels an instance-ledger event.
type LedgerKind string

const (
	LedgerOpen         LedgerKind = "open"
	LedgerPartialClose LedgerKind = "partial-close"
	LedgerClose        LedgerKind = "close"
	LedgerFeeHarvest   LedgerKind = "fee-harvest"
	LedgerSwap         LedgerKind = "swap"
	LedgerStopLoss     LedgerKind = "stop-loss-triggered"
)

// LedgerEntry is one append-only event in an instance's ledger. Amounts are
// raw token units of the instance's pool.
type LedgerEntry struct {
	At       time.Time  `json:"at"`
	Kind     LedgerKind `json:"kind"`
	Position string     `json:"position,omitempty"` // position address, when applicable

	XRaw     RawAmount `json:"xRaw"`
	YRaw     RawAmount `json:"yRaw"`
	FeesXRaw RawAmount `json:"feesXRaw"`
	FeesYRaw RawAmount `json:"feesYRaw"`

	Price float64 `json:"price"` // human Y per X at event time
}
