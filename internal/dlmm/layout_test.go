package dlmm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/mr-tron/base58"
)

func testKey(fill byte) []byte {
	k := bytes.Repeat([]byte{fill}, 32)
	return k
}

func poolBytes(xMint, yMint []byte, binStep uint16, activeBin int32) []byte {
	buf := make([]byte, poolDataLen)
	copy(buf[8:40], xMint)
	copy(buf[40:72], yMint)
	binary.LittleEndian.PutUint16(buf[72:74], binStep)
	binary.LittleEndian.PutUint32(buf[74:78], uint32(activeBin))
	return buf
}

func positionBytes(pool, owner []byte, lower, upper int32, liqX, liqY, feeX, feeY uint64) []byte {
	buf := make([]byte, positionDataLen)
	copy(buf[8:40], pool)
	copy(buf[40:72], owner)
	binary.LittleEndian.PutUint32(buf[72:76], uint32(lower))
	binary.LittleEndian.PutUint32(buf[76:80], uint32(upper))
	binary.LittleEndian.PutUint64(buf[80:88], liqX)
	binary.LittleEndian.PutUint64(buf[88:96], liqY)
	binary.LittleEndian.PutUint64(buf[96:104], feeX)
	binary.LittleEndian.PutUint64(buf[104:112], feeY)
	return buf
}

func mintBytes(decimals uint8) []byte {
	buf := make([]byte, mintDataLen)
	buf[mintDecimalsOffset] = decimals
	return buf
}

func TestDecodePool(t *testing.T) {
	t.Parallel()

	x, y := testKey(0xaa), testKey(0xbb)
	layout, err := decodePool(poolBytes(x, y, 20, -250))
	if err != nil {
		t.Fatalf("decodePool: %v", err)
	}
	if layout.TokenXMint != base58.Encode(x) {
		t.Errorf("tokenXMint = %s", layout.TokenXMint)
	}
	if layout.TokenYMint != base58.Encode(y) {
		t.Errorf("tokenYMint = %s", layout.TokenYMint)
	}
	if layout.BinStep != 20 {
		t.Errorf("binStep = %d, want 20", layout.BinStep)
	}
	if layout.ActiveBin != -250 {
		t.Errorf("activeBin = %d, want -250", layout.ActiveBin)
	}
}

func TestDecodePosition(t *testing.T) {
	t.Parallel()

	pool, owner := testKey(0x01), testKey(0x02)
	pos, err := decodePosition("posAddr", positionBytes(pool, owner, 500, 509, 7, 25_000_000_000, 3, 11))
	if err != nil {
		t.Fatalf("decodePosition: %v", err)
	}
	if pos.Address != "posAddr" {
		t.Errorf("address = %s", pos.Address)
	}
	if pos.Pool != base58.Encode(pool) || pos.Owner != base58.Encode(owner) {
		t.Errorf("pool/owner = %s/%s", pos.Pool, pos.Owner)
	}
	if pos.LowerBin != 500 || pos.UpperBin != 509 {
		t.Errorf("range = [%d, %d], want [500, 509]", pos.LowerBin, pos.UpperBin)
	}
	if pos.Width() != 10 {
		t.Errorf("width = %d, want 10", pos.Width())
	}
	if pos.LiquidityYRaw.String() != "25000000000" {
		t.Errorf("liquidityY = %s", pos.LiquidityYRaw)
	}
	if pos.FeesYRaw.String() != "11" {
		t.Errorf("feesY = %s", pos.FeesYRaw)
	}
}

func TestDecodeRejectsShortAccounts(t *testing.T) {
	t.Parallel()

	if _, err := decodePool(make([]byte, poolDataLen-1)); err == nil {
		t.Error("short pool account should fail")
	}
	if _, err := decodePosition("a", make([]byte, positionDataLen-1)); err == nil {
		t.Error("short position account should fail")
	}
	if _, err := decodeMintDecimals(make([]byte, mintDataLen-1)); err == nil {
		t.Error("short mint account should fail")
	}
}

func TestDecodeMintDecimals(t *testing.T) {
	t.Parallel()

	d, err := decodeMintDecimals(mintBytes(9))
	if err != nil {
		t.Fatalf("decodeMintDecimals: %v", err)
	}
	if d != 9 {
		t.Errorf("decimals = %d, want 9", d)
	}
}
