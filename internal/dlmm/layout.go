// Package dlmm adapts the concentrated-liquidity program. Pool and position
// state is decoded straight from account data over RPC; mutations go through
// the DLMM transaction build API, which returns unsigned transactions the
// sender signs and submits. Position accounts are program-derived, so the
// keeper wallet is the only signer.
package dlmm

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"

	"dlmm-keeper/pkg/types"
)

// Account layouts, little-endian, after the 8-byte discriminator.
//
// Pool:     tokenXMint[32] tokenYMint[32] binStep:u16 activeId:i32
// Position: pool[32] owner[32] lowerBin:i32 upperBin:i32
//           liquidityX:u64 liquidityY:u64 feeX:u64 feeY:u64
// Mint:     SPL layout, decimals at byte 44.
const (
	poolDataLen     = 78
	positionDataLen = 112
	mintDataLen     = 82

	positionOwnerOffset = 40
	mintDecimalsOffset  = 44
)

type poolLayout struct {
	TokenXMint string
	TokenYMint string
	BinStep    uint16
	ActiveBin  int
}

func decodePool(data []byte) (poolLayout, error) {
	if len(data) < poolDataLen {
		return poolLayout{}, fmt.Errorf("pool account is %d bytes, want at least %d", len(data), poolDataLen)
	}
	return poolLayout{
		TokenXMint: base58.Encode(data[8:40]),
		TokenYMint: base58.Encode(data[40:72]),
		BinStep:    binary.LittleEndian.Uint16(data[72:74]),
		ActiveBin:  int(int32(binary.LittleEndian.Uint32(data[74:78]))),
	}, nil
}

func decodePosition(addr string, data []byte) (types.Position, error) {
	if len(data) < positionDataLen {
		return types.Position{}, fmt.Errorf("position account is %d bytes, want at least %d", len(data), positionDataLen)
	}
	return types.Position{
		Address:       addr,
		Pool:          base58.Encode(data[8:40]),
		Owner:         base58.Encode(data[40:72]),
		LowerBin:      int(int32(binary.LittleEndian.Uint32(data[72:76]))),
		UpperBin:      int(int32(binary.LittleEndian.Uint32(data[76:80]))),
		LiquidityXRaw: types.RawFromUint64(binary.LittleEndian.Uint64(data[80:88])),
		LiquidityYRaw: types.RawFromUint64(binary.LittleEndian.Uint64(data[88:96])),
		FeesXRaw:      types.RawFromUint64(binary.LittleEndian.Uint64(data[96:104])),
		FeesYRaw:      types.RawFromUint64(binary.LittleEndian.Uint64(data[104:112])),
	}, nil
}

func decodeMintDecimals(data []byte) (uint8, error) {
	if len(data) < mintDataLen {
		return 0, fmt.Errorf("mint account is %d bytes, want at least %d", len(data), mintDataLen)
	}
	return data[mintDecimalsOffset], nil
}
