package dlmm

import (
	"math"

	"github.com/shopspring/decimal"

	"dlmm-keeper/pkg/types"
)

// Protocol bounds on position width, in bins.
const (
	MinBinRange = 1
	MaxBinRange = 69
)

// BinRange computes the bin span for a position of the given width anchored
// at the active bin. Y-sided positions sit at and above the anchor, X-sided
// at and below, two-sided positions straddle it.
func BinRange(side types.PositionSide, active, width int) (lower, upper int) {
	switch side {
	case types.SideX:
		return active - width + 1, active
	case types.SideXY:
		return active - width/2, active + (width+1)/2 - 1
	default:
		return active, active + width - 1
	}
}

// ValidBinRange reports whether a position width is within protocol bounds.
func ValidBinRange(width int) bool {
	return width >= MinBinRange && width <= MaxBinRange
}

// PriceOfBin returns the human price of one bin: (1 + binStep/10000)^bin,
// shifted by the mint-decimal difference.
func PriceOfBin(bin int, binStep uint16, decimalsX, decimalsY uint8) decimal.Decimal {
	raw := math.Pow(1+float64(binStep)/10000, float64(bin))
	return decimal.NewFromFloat(raw).Shift(int32(decimalsX) - int32(decimalsY))
}

// ValueInY prices a position's holdings plus pending fees in Y units.
func ValueInY(p types.Position, price decimal.Decimal, decimalsX, decimalsY uint8) decimal.Decimal {
	x := types.ToHuman(p.LiquidityXRaw.Add(p.FeesXRaw), decimalsX)
	y := types.ToHuman(p.LiquidityYRaw.Add(p.FeesYRaw), decimalsY)
	return y.Add(x.Mul(price))
}
