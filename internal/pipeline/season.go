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

// SpawnFunc starts per-season listeners; it must be idempotent per season id.
type SpawnFunc func(ctx context.Context, season storage.Season) error

// CleanupFunc stops per-season listeners.
type CleanupFunc func(ctx context.Context, seasonID uint64)

// SeasonStarted records a new season's contracts and starts its listeners.
type SeasonStarted struct {
	deps  Deps
	spawn SpawnFunc
}

func NewSeasonStarted(d Deps, spawn SpawnFunc) *SeasonStarted {
	return &SeasonStarted{deps: d.withDefaults("season_started"), spawn: spawn}
}

func (s *SeasonStarted) HandleBatch(ctx context.Context, batch evm.LogBatch) error {
	return runBatch(ctx, s.deps, "season_started", batch, s.handle)
}

func (s *SeasonStarted) handle(ctx context.Context, ev evm.DecodedEvent) error {
	seasonID, err := ev.Uint64("seasonId")
	if err != nil {
		return err
	}
	if _, known, err := s.deps.Store.GetSeason(ctx, seasonID); err != nil {
		return err
	} else if known {
		s.deps.Logger.Debug("season already known", "season", seasonID)
		return nil
	}

	details, err := s.deps.Views.SeasonDetails(ctx, seasonID)
	if err != nil {
		return fmt.Errorf("season %d details: %w", seasonID, err)
	}
	season := storage.Season{
		ID:           seasonID,
		Name:         details.Name,
		RaffleToken:  storage.Addr(details.RaffleToken),
		BondingCurve: storage.Addr(details.BondingCurve),
		StartTime:    details.StartTime,
		EndTime:      details.EndTime,
		Status:       storage.SeasonActive,
	}
	if details.Status == contracts.StatusCompleted {
		season.Status = storage.SeasonCompleted
	}

	// Listeners start before the row lands so a failed spawn is redelivered.
	if season.Status == storage.SeasonActive && s.spawn != nil {
		if err := s.spawn(ctx, season); err != nil {
			return fmt.Errorf("spawn season %d: %w", seasonID, err)
		}
	}
	fresh, err := s.deps.Store.InsertSeason(ctx, season)
	if err != nil {
		return err
	}
	if fresh {
		s.deps.Logger.Info("season recorded", "season", seasonID, "curve", season.BondingCurve, "status", season.Status)
		s.deps.Notifier.Notify(ctx, broadcast.EventSeasonStarted, map[string]any{
			"season_id":     seasonID,
			"name":          season.Name,
			"bonding_curve": season.BondingCurve,
		})
	}
	return nil
}

// SeasonCompleted settles a finished season's markets and stops its listeners.
type SeasonCompleted struct {
	deps    Deps
	cleanup CleanupFunc
}

func NewSeasonCompleted(d Deps, cleanup CleanupFunc) *SeasonCompleted {
	return &SeasonCompleted{deps: d.withDefaults("season_completed"), cleanup: cleanup}
}

func (s *SeasonCompleted) HandleBatch(ctx context.Context, batch evm.LogBatch) error {
	return runBatch(ctx, s.deps, "season_completed", batch, s.handle)
}

func (s *SeasonCompleted) handle(ctx context.Context, ev evm.DecodedEvent) error {
	seasonID, err := ev.Uint64("seasonId")
	if err != nil {
		return err
	}
	if season, known, err := s.deps.Store.GetSeason(ctx, seasonID); err != nil {
		return err
	} else if known && season.Status == storage.SeasonCompleted {
		s.deps.Logger.Debug("season already completed", "season", seasonID)
		return nil
	}

	winners, err := s.deps.Views.Winners(ctx, seasonID)
	if err != nil {
		return fmt.Errorf("season %d winners: %w", seasonID, err)
	}
	var winner common.Address
	if len(winners) > 0 {
		winner = winners[0]
	} else {
		s.deps.Logger.Warn("season completed without winners", "season", seasonID)
	}

	if winner != (common.Address{}) && s.deps.Oracle != nil {
		res := s.deps.Oracle.ResolveSeasonMarkets(ctx, seasonID, winner)
		if !res.Success {
			s.deps.Logger.Warn("on-chain market resolution failed, settling records anyway",
				"season", seasonID, "winner", winner.Hex(), "attempts", res.Attempts, "error", res.Err)
		}
	}

	settled, err := s.deps.Store.SettleMarkets(ctx, seasonID, storage.Addr(winner))
	if err != nil {
		return err
	}
	if err := s.deps.Store.MarkSeasonCompleted(ctx, seasonID); err != nil {
		return err
	}
	s.deps.Logger.Info("season completed", "season", seasonID, "winner", winner.Hex(), "markets_settled", settled)

	if s.cleanup != nil {
		s.cleanup(ctx, seasonID)
	}
	s.deps.Notifier.Notify(ctx, broadcast.EventSeasonCompleted, map[string]any{
		"season_id":       seasonID,
		"winner":          storage.Addr(winner),
		"markets_settled": settled,
	})
	return nil
}
