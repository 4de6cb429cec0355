package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPositionWidthAndRange(t *testing.T) {
	t.Parallel()

	p := Position{LowerBin: 500, UpperBin: 509}

	if got := p.Width(); got != 10 {
		t.Errorf("Width() = %d, want 10", got)
	}

	tests := []struct {
		active int
		want   bool
	}{
		{499, false},
		{500, true},
		{505, true},
		{509, true},
		{510, false},
	}
	for _, tt := range tests {
		if got := p.InRange(tt.active); got != tt.want {
			t.Errorf("InRange(%d) = %v, want %v", tt.active, got, tt.want)
		}
	}
}

func TestSingleBinPosition(t *testing.T) {
	t.Parallel()

	p := Position{LowerBin: 42, UpperBin: 42}
	if got := p.Width(); got != 1 {
		t.Errorf("Width() = %d, want 1", got)
	}
	if !p.InRange(42) {
		t.Error("InRange(42) = false, want true")
	}
	if p.InRange(41) || p.InRange(43) {
		t.Error("neighboring bins should be out of range for width 1")
	}
}

func TestChainVariantSide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		variant ChainVariant
		want    PositionSide
	}{
		{ChainY, SideY},
		{ChainX, SideX},
		{ChainXY, SideXY},
	}
	for _, tt := range tests {
		if got := tt.variant.Side(); got != tt.want {
			t.Errorf("%s.Side() = %s, want %s", tt.variant, got, tt.want)
		}
	}
}

func TestInstanceStatusActive(t *testing.T) {
	t.Parallel()

	active := []InstanceStatus{StatusRunning, StatusPaused, StatusRecovering}
	inactive := []InstanceStatus{StatusCreated, StatusStopped, StatusError, StatusCompleted}

	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s.Active() = false, want true", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Errorf("%s.Active() = true, want false", s)
		}
	}
}

func TestInstanceCloneIsDeep(t *testing.T) {
	t.Parallel()

	in := &Instance{
		ID:        "inst-1",
		Type:      StrategySimpleY,
		Status:    StatusRunning,
		Positions: []string{"pos-a"},
		Ledger:    []LedgerEntry{{Kind: LedgerOpen}},
	}

	out := in.Clone()
	out.Positions[0] = "pos-b"
	out.Ledger[0].Kind = LedgerClose

	if in.Positions[0] != "pos-a" {
		t.Errorf("clone aliased Positions: original = %q", in.Positions[0])
	}
	if in.Ledger[0].Kind != LedgerOpen {
		t.Errorf("clone aliased Ledger: original kind = %q", in.Ledger[0].Kind)
	}
}

func TestRawAmountJSON(t *testing.T) {
	t.Parallel()

	a, err := RawFromString("25000000000")
	if err != nil {
		t.Fatalf("RawFromString: %v", err)
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"25000000000"` {
		t.Errorf("Marshal = %s, want quoted decimal string", data)
	}

	var back RawAmount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.Equal(a) {
		t.Errorf("round-trip = %s, want %s", back, a)
	}

	// Bare numbers are also accepted.
	var fromNum RawAmount
	if err := json.Unmarshal([]byte("12345"), &fromNum); err != nil {
		t.Fatalf("Unmarshal number: %v", err)
	}
	if fromNum.String() != "12345" {
		t.Errorf("from number = %s, want 12345", fromNum)
	}
}

func TestRawAmountZeroValue(t *testing.T) {
	t.Parallel()

	var a RawAmount
	if !a.IsZero() {
		t.Error("zero RawAmount should report IsZero")
	}
	if got := a.String(); got != "0" {
		t.Errorf("String() = %q, want \"0\"", got)
	}
	if got := a.Add(NewRaw(10)); got.String() != "10" {
		t.Errorf("zero + 10 = %s, want 10", got)
	}
}

func TestRawAmountArithmeticDoesNotMutate(t *testing.T) {
	t.Parallel()

	a := NewRaw(100)
	b := NewRaw(30)

	if got := a.Sub(b); got.String() != "70" {
		t.Errorf("100 - 30 = %s, want 70", got)
	}
	if a.String() != "100" || b.String() != "30" {
		t.Errorf("operands mutated: a=%s b=%s", a, b)
	}
}

func TestToHumanToRaw(t *testing.T) {
	t.Parallel()

	raw, _ := RawFromString("25000000000")
	human := ToHuman(raw, 9)
	if !human.Equal(decimal.RequireFromString("25")) {
		t.Errorf("ToHuman = %s, want 25", human)
	}

	back := ToRaw(human, 9)
	if !back.Equal(raw) {
		t.Errorf("ToRaw(ToHuman) = %s, want %s", back, raw)
	}

	// Excess precision is truncated, not rounded up.
	d := decimal.RequireFromString("1.0000000019")
	if got := ToRaw(d, 9); got.String() != "1000000001" {
		t.Errorf("ToRaw(1.0000000019, 9) = %s, want 1000000001", got)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := E(KindTransientRPC, "gateway.getAccountInfo", errors.New("connection reset"))
	if got := KindOf(err); got != KindTransientRPC {
		t.Errorf("KindOf = %v, want KindTransientRPC", got)
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("tick: %w", err)
	if got := KindOf(wrapped); got != KindTransientRPC {
		t.Errorf("KindOf(wrapped) = %v, want KindTransientRPC", got)
	}

	// Unclassified errors are internal, never retryable.
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want KindInternal", got)
	}
	if KindInternal.Retryable() {
		t.Error("KindInternal must not be retryable")
	}
}

func TestHasKind(t *testing.T) {
	t.Parallel()

	err := Errorf(KindSlippageTransient, "swap.execute", "route expired")
	if !HasKind(err, KindTransientRPC, KindSlippageTransient) {
		t.Error("HasKind should match KindSlippageTransient")
	}
	if HasKind(err, KindNotFound) {
		t.Error("HasKind should not match KindNotFound")
	}
}
