package pipeline

import (
	"context"
	"fmt"

	"github.com/devblac/season-keeper/internal/broadcast"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// MarketSpawnFunc starts a market's trade listener; it must be idempotent.
type MarketSpawnFunc func(ctx context.Context, m storage.Market) error

// MarketCreated records markets deployed by the factory and starts their trade streams.
type MarketCreated struct {
	deps  Deps
	spawn MarketSpawnFunc
	types map[[32]byte]string
}

// NewMarketCreated maps known market type names back from their bytes32 ids.
func NewMarketCreated(d Deps, spawn MarketSpawnFunc, marketTypes ...string) *MarketCreated {
	types := make(map[[32]byte]string, len(marketTypes))
	for _, name := range marketTypes {
		types[contracts.MarketTypeID(name)] = name
	}
	return &MarketCreated{deps: d.withDefaults("market_created"), spawn: spawn, types: types}
}

func (m *MarketCreated) HandleBatch(ctx context.Context, batch evm.LogBatch) error {
	return runBatch(ctx, m.deps, "market_created", batch, m.handle)
}

func (m *MarketCreated) typeName(id [32]byte) string {
	if name, ok := m.types[id]; ok {
		return name
	}
	return common.Hash(id).Hex()
}

func (m *MarketCreated) handle(ctx context.Context, ev evm.DecodedEvent) error {
	seasonID, err := ev.Uint64("seasonId")
	if err != nil {
		return err
	}
	player, err := ev.Address("player")
	if err != nil {
		return err
	}
	typeID, err := ev.Bytes32("marketType")
	if err != nil {
		return err
	}
	marketID, err := ev.BigInt("marketId")
	if err != nil {
		return err
	}
	addr, err := ev.Address("marketAddress")
	if err != nil {
		return err
	}

	market := storage.Market{
		Address:    storage.Addr(addr),
		SeasonID:   seasonID,
		Player:     storage.Addr(player),
		MarketType: m.typeName(typeID),
		MarketID:   marketID.String(),
		Status:     storage.MarketOpen,
		CreatedTx:  ev.TxHash.Hex(),
	}
	if _, known, err := m.deps.Store.GetMarket(ctx, market.Address); err != nil {
		return err
	} else if known {
		m.deps.Logger.Debug("market already known", "market", market.Address)
		return nil
	}

	if m.spawn != nil {
		if err := m.spawn(ctx, market); err != nil {
			return fmt.Errorf("spawn market %s: %w", market.Address, err)
		}
	}
	fresh, err := m.deps.Store.UpsertMarket(ctx, market)
	if err != nil {
		return err
	}
	if !fresh {
		m.deps.Logger.Warn("market for player and type already recorded", "season", seasonID, "player", market.Player, "market", market.Address)
		return nil
	}
	m.deps.Logger.Info("market recorded", "season", seasonID, "player", market.Player, "market", market.Address, "type", market.MarketType)
	m.deps.Notifier.Notify(ctx, broadcast.EventMarketCreated, map[string]any{
		"season_id": seasonID,
		"player":    market.Player,
		"market":    market.Address,
	})

	// Seed the new market with the player's current probability.
	pos, ok, err := m.deps.Store.GetPosition(ctx, seasonID, market.Player)
	if err != nil || !ok || pos.ProbabilityBps == 0 {
		return err
	}
	if err := m.deps.Store.UpdateMarketProbability(ctx, market.Address, pos.ProbabilityBps); err != nil {
		return err
	}
	if m.deps.Oracle != nil {
		res := m.deps.Oracle.UpdateRaffleProbability(ctx, addr, int64(pos.ProbabilityBps))
		if !res.Success {
			m.deps.Logger.Warn("oracle probability seed failed", "market", market.Address, "error", res.Err)
		}
	}
	return nil
}
