package dlmm

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"dlmm-keeper/internal/solana"
	"dlmm-keeper/pkg/types"
)

type accountReader interface {
	GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error)
}

// DecimalsCache resolves mint decimals with a bounded LRU and single-flight
// fetches, so a burst of strategies on the same pool costs one RPC.
type DecimalsCache struct {
	reader accountReader
	cache  *lru.Cache[string, uint8]
	group  singleflight.Group
}

func NewDecimalsCache(reader accountReader, size int) (*DecimalsCache, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, uint8](size)
	if err != nil {
		return nil, err
	}
	return &DecimalsCache{reader: reader, cache: cache}, nil
}

// Decimals returns the decimal count of a mint.
func (c *DecimalsCache) Decimals(ctx context.Context, mint string) (uint8, error) {
	if d, ok := c.cache.Get(mint); ok {
		return d, nil
	}

	v, err, _ := c.group.Do(mint, func() (any, error) {
		if d, ok := c.cache.Get(mint); ok {
			return d, nil
		}
		info, err := c.reader.GetAccountInfo(ctx, mint)
		if err != nil {
			return uint8(0), err
		}
		d, err := decodeMintDecimals(info.Data)
		if err != nil {
			return uint8(0), types.E(types.KindInternal, "dlmm.decimals", err)
		}
		c.cache.Add(mint, d)
		return d, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint8), nil
}
