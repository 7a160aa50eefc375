package contracts

import (
	"context"
	"sync"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

// Views bundles the read-only calls the pipelines and lifecycle need.
// Bonding-curve supply caps never change once deployed and are cached.
type Views struct {
	reader chain.Reader
	abis   ABIs
	raffle *RaffleReader

	supply sync.Map // common.Address -> uint64
}

func NewViews(r chain.Reader, abis ABIs, raffle common.Address) (*Views, error) {
	rc, err := abis.Contract(Raffle, raffle)
	if err != nil {
		return nil, err
	}
	return &Views{reader: r, abis: abis, raffle: NewRaffleReader(r, rc)}, nil
}

func (v *Views) CurrentSeasonID(ctx context.Context) (uint64, error) {
	return v.raffle.CurrentSeasonID(ctx)
}

func (v *Views) SeasonDetails(ctx context.Context, seasonID uint64) (SeasonDetails, error) {
	return v.raffle.SeasonDetails(ctx, seasonID)
}

func (v *Views) Winners(ctx context.Context, seasonID uint64) ([]common.Address, error) {
	return v.raffle.Winners(ctx, seasonID)
}

func (v *Views) MaxSupply(ctx context.Context, curve common.Address) (uint64, error) {
	if cached, ok := v.supply.Load(curve); ok {
		return cached.(uint64), nil
	}
	c, err := v.abis.Contract(BondingCurve, curve)
	if err != nil {
		return 0, err
	}
	n, err := MaxSupply(ctx, v.reader, c)
	if err != nil {
		return 0, err
	}
	v.supply.Store(curve, n)
	return n, nil
}

func (v *Views) PriceBps(ctx context.Context, market common.Address) (uint64, error) {
	c, err := v.abis.Contract(Market, market)
	if err != nil {
		return 0, err
	}
	return PriceBps(ctx, v.reader, c)
}
