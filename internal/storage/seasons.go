package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	SeasonActive    = "active"
	SeasonCompleted = "completed"
)

// Season holds the contract addresses derived for one raffle season.
type Season struct {
	ID           uint64    `db:"season_id"`
	Name         string    `db:"name"`
	RaffleToken  string    `db:"raffle_token"`
	BondingCurve string    `db:"bonding_curve"`
	StartTime    uint64    `db:"start_time"`
	EndTime      uint64    `db:"end_time"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}

// InsertSeason stores a season once; it reports false when the season already exists.
func (s *Store) InsertSeason(ctx context.Context, season Season) (bool, error) {
	if season.RaffleToken == "" || season.BondingCurve == "" {
		return false, errors.New("raffle_token and bonding_curve are required")
	}
	if season.Status == "" {
		season.Status = SeasonActive
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO season_contracts (season_id, name, raffle_token, bonding_curve, start_time, end_time, status)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(season_id) DO NOTHING`),
		season.ID, season.Name, season.RaffleToken, season.BondingCurve, season.StartTime, season.EndTime, season.Status)
	if err != nil {
		return false, fmt.Errorf("insert season %d: %w", season.ID, err)
	}
	return inserted(res)
}

// GetSeason loads a season by id.
func (s *Store) GetSeason(ctx context.Context, id uint64) (Season, bool, error) {
	var season Season
	err := s.db.GetContext(ctx, &season, s.db.Rebind(`
SELECT season_id, name, raffle_token, bonding_curve, start_time, end_time, status, created_at
FROM season_contracts WHERE season_id = ?`), id)
	switch {
	case err == nil:
		return season, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return Season{}, false, nil
	default:
		return Season{}, false, fmt.Errorf("get season %d: %w", id, err)
	}
}

// ListSeasons returns seasons with the given status ordered by id; empty status lists all.
func (s *Store) ListSeasons(ctx context.Context, status string) ([]Season, error) {
	q := `SELECT season_id, name, raffle_token, bonding_curve, start_time, end_time, status, created_at FROM season_contracts`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY season_id`

	var out []Season
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	return out, nil
}

// MarkSeasonCompleted flags the season inactive. Unknown seasons are not an error.
func (s *Store) MarkSeasonCompleted(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE season_contracts SET status = ? WHERE season_id = ?`), SeasonCompleted, id)
	if err != nil {
		return fmt.Errorf("complete season %d: %w", id, err)
	}
	return nil
}
