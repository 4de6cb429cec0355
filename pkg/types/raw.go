package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// RawAmount is an on-chain token amount in base units, before decimal
// scaling. It wraps a big integer so amounts survive JSON round-trips
// exactly: the wire form is a decimal string, never a float.
//
// The zero RawAmount behaves as zero. Arithmetic methods never mutate their
// receiver or arguments.
type RawAmount struct {
	v *big.Int
}

// NewRaw returns a RawAmount holding n.
func NewRaw(n int64) RawAmount {
	return RawAmount{v: big.NewInt(n)}
}

// RawFromBig copies b into a RawAmount. A nil b yields zero.
func RawFromBig(b *big.Int) RawAmount {
	if b == nil {
		return RawAmount{}
	}
	return RawAmount{v: new(big.Int).Set(b)}
}

// RawFromString parses a base-10 integer string.
func RawFromString(s string) (RawAmount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return RawAmount{}, fmt.Errorf("parse raw amount %q", s)
	}
	return RawAmount{v: v}, nil
}

// RawFromUint64 returns a RawAmount holding n.
func RawFromUint64(n uint64) RawAmount {
	return RawAmount{v: new(big.Int).SetUint64(n)}
}

// BigInt returns a copy of the underlying integer.
func (a RawAmount) BigInt() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// IsZero reports whether the amount is zero (or unset).
func (a RawAmount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Sign returns -1, 0, or +1.
func (a RawAmount) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

// Add returns a + b.
func (a RawAmount) Add(b RawAmount) RawAmount {
	return RawAmount{v: new(big.Int).Add(a.BigInt(), b.BigInt())}
}

// Sub returns a - b.
func (a RawAmount) Sub(b RawAmount) RawAmount {
	return RawAmount{v: new(big.Int).Sub(a.BigInt(), b.BigInt())}
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func (a RawAmount) Cmp(b RawAmount) int {
	return a.BigInt().Cmp(b.BigInt())
}

// Equal reports a == b.
func (a RawAmount) Equal(b RawAmount) bool {
	return a.Cmp(b) == 0
}

func (a RawAmount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a RawAmount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (a *RawAmount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		a.v = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("parse raw amount %q", s)
	}
	a.v = v
	return nil
}

// ToHuman scales a raw amount by the token's decimals into an exact
// human-readable value: raw 25_000_000_000 with 9 decimals is 25.
func ToHuman(a RawAmount, decimals uint8) decimal.Decimal {
	if a.v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.v, -int32(decimals))
}

// ToRaw converts a human-readable amount back to raw base units, truncating
// any precision beyond the token's decimals.
func ToRaw(d decimal.Decimal, decimals uint8) RawAmount {
	return RawAmount{v: d.Shift(int32(decimals)).Truncate(0).BigInt()}
}
