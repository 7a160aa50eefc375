package pipeline

import (
	"context"
	"fmt"

	"github.com/devblac/season-keeper/internal/broadcast"
	"github.com/devblac/season-keeper/internal/gasless"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

const (
	SourcePositionUpdate = "position-update"
	SourceBackfill       = "backfill"
)

// Position reacts to PositionUpdate logs of a season's bonding curve.
type Position struct {
	deps       Deps
	threshold  uint64
	marketType string
	source     string
}

func NewPosition(d Deps, thresholdBps uint64, marketType string) *Position {
	if thresholdBps == 0 {
		thresholdBps = DefaultThresholdBps
	}
	return &Position{
		deps:       d.withDefaults("position"),
		threshold:  thresholdBps,
		marketType: marketType,
		source:     SourcePositionUpdate,
	}
}

// WithSource returns a copy whose market intents carry the given source tag.
func (p *Position) WithSource(source string) *Position {
	cp := *p
	cp.source = source
	return &cp
}

func (p *Position) HandleBatch(ctx context.Context, batch evm.LogBatch) error {
	return runBatch(ctx, p.deps, "position", batch, p.handle)
}

func (p *Position) handle(ctx context.Context, ev evm.DecodedEvent) error {
	seasonID, err := ev.Uint64("seasonId")
	if err != nil {
		return err
	}
	player, err := ev.Address("player")
	if err != nil {
		return err
	}
	oldTickets, err := ev.Uint64("oldTickets")
	if err != nil {
		return err
	}
	newTickets, err := ev.Uint64("newTickets")
	if err != nil {
		return err
	}
	total, err := ev.Uint64("totalTickets")
	if err != nil {
		return err
	}

	// Crossing is derived from the payload and the fixed supply cap only.
	supply, err := p.deps.Views.MaxSupply(ctx, ev.Contract)
	if err != nil {
		return fmt.Errorf("max supply: %w", err)
	}
	oldShare, newShare := ShareBps(oldTickets, supply), ShareBps(newTickets, supply)
	crossed := Crossed(oldShare, newShare, p.threshold)

	pending, err := p.deps.Store.RecordPosition(ctx, storage.PositionEvent{
		TxHash:       ev.TxHash.Hex(),
		LogIndex:     ev.LogIndex,
		SeasonID:     seasonID,
		Player:       storage.Addr(player),
		OldTickets:   oldTickets,
		NewTickets:   newTickets,
		TotalTickets: total,
		BlockNumber:  ev.BlockNumber,
	})
	if err != nil {
		return err
	}
	if !pending {
		p.deps.Logger.Debug("position event already processed", "tx", ev.TxHash.Hex(), "log_index", ev.LogIndex)
		return p.syncMarkets(ctx, seasonID)
	}

	// A redelivered event may be older than ones already applied.
	live, err := p.deps.Store.SeasonTotal(ctx, seasonID)
	if err != nil {
		return err
	}
	if err := p.deps.Store.RecomputeProbabilities(ctx, seasonID, live); err != nil {
		return err
	}
	p.deps.Notifier.Notify(ctx, broadcast.EventPositionUpdated, map[string]any{
		"season_id":   seasonID,
		"player":      storage.Addr(player),
		"old_tickets": oldTickets,
		"new_tickets": newTickets,
		"total":       total,
	})

	if crossed {
		p.deps.Logger.Info("threshold crossed",
			"season", seasonID, "player", player.Hex(), "old_share_bps", oldShare, "new_share_bps", newShare, "threshold_bps", p.threshold)
		p.createMarket(ctx, seasonID, player, ShareBps(newTickets, total))
	}
	if err := p.deps.Store.MarkPositionProcessed(ctx, ev.TxHash.Hex(), ev.LogIndex); err != nil {
		return err
	}
	return p.syncMarkets(ctx, seasonID)
}

func (p *Position) createMarket(ctx context.Context, seasonID uint64, player common.Address, probability uint64) {
	if _, ok, err := p.deps.Store.MarketForPlayer(ctx, seasonID, storage.Addr(player)); err != nil {
		p.deps.Logger.Warn("market lookup failed, submitting anyway", "season", seasonID, "player", player.Hex(), "error", err)
	} else if ok {
		p.deps.Logger.Debug("player already has a market", "season", seasonID, "player", player.Hex())
		return
	}
	if p.deps.Creator == nil {
		return
	}

	res := p.deps.Creator.Submit(ctx, gasless.Intent{
		Source:         p.source,
		SeasonID:       seasonID,
		Player:         player,
		MarketType:     p.marketType,
		ProbabilityBps: probability,
	})
	if !res.Success {
		// Each failed attempt is already in the failed-attempt log.
		p.deps.Logger.Error("market creation failed", "season", seasonID, "player", player.Hex(), "attempts", res.Attempts, "error", res.Err)
		return
	}
	p.deps.Notifier.Notify(ctx, broadcast.EventMarketCreated, map[string]any{
		"season_id": seasonID,
		"player":    storage.Addr(player),
		"tx":        res.TxHash.Hex(),
	})
}

// syncMarkets pushes every open market whose stored probability lags the
// player's current share of the live total.
func (p *Position) syncMarkets(ctx context.Context, seasonID uint64) error {
	markets, err := p.deps.Store.ListMarkets(ctx, seasonID, storage.MarketOpen)
	if err != nil || len(markets) == 0 {
		return err
	}
	positions, err := p.deps.Store.ListPositions(ctx, seasonID)
	if err != nil {
		return err
	}
	probs := make(map[string]uint64, len(positions))
	for _, pos := range positions {
		probs[pos.Player] = pos.ProbabilityBps
	}

	for _, m := range markets {
		bps := probs[m.Player]
		if bps == m.ProbabilityBps {
			continue
		}
		if err := p.deps.Store.UpdateMarketProbability(ctx, m.Address, bps); err != nil {
			return err
		}
		p.deps.Notifier.Notify(ctx, broadcast.EventProbabilityMoved, map[string]any{
			"market":          m.Address,
			"probability_bps": bps,
		})
		if p.deps.Oracle == nil {
			continue
		}
		res := p.deps.Oracle.UpdateRaffleProbability(ctx, common.HexToAddress(m.Address), int64(bps))
		if !res.Success {
			p.deps.Logger.Warn("oracle probability update failed", "market", m.Address, "bps", bps, "attempts", res.Attempts, "error", res.Err)
		}
	}
	return nil
}
