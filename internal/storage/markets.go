package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	MarketOpen    = "open"
	MarketSettled = "settled"
)

// Market is a prediction market created for a player in a season.
type Market struct {
	Address        string `db:"market_address"`
	SeasonID       uint64 `db:"season_id"`
	Player         string `db:"player"`
	MarketType     string `db:"market_type"`
	MarketID       string `db:"market_id"`
	ProbabilityBps uint64 `db:"probability_bps"`
	SentimentBps   uint64 `db:"sentiment_bps"`
	Status         string `db:"status"`
	Winner         string `db:"winner"`
	Outcome        string `db:"outcome"`
	CreatedTx      string `db:"created_tx"`
}

const marketColumns = `market_address, season_id, player, market_type, market_id, probability_bps, sentiment_bps, status, winner, outcome, created_tx`

// UpsertMarket stores a market once; it reports false if the address or
// (season, player, type) is already known.
func (s *Store) UpsertMarket(ctx context.Context, m Market) (bool, error) {
	if m.Address == "" || m.Player == "" {
		return false, errors.New("market address and player are required")
	}
	if m.Status == "" {
		m.Status = MarketOpen
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO markets (`+marketColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`),
		m.Address, m.SeasonID, m.Player, m.MarketType, m.MarketID, m.ProbabilityBps, m.SentimentBps, m.Status, m.Winner, m.Outcome, m.CreatedTx)
	if err != nil {
		return false, fmt.Errorf("insert market %s: %w", m.Address, err)
	}
	return inserted(res)
}

// GetMarket loads a market by contract address.
func (s *Store) GetMarket(ctx context.Context, address string) (Market, bool, error) {
	return s.getMarket(ctx, `SELECT `+marketColumns+` FROM markets WHERE market_address = ?`, address)
}

// MarketForPlayer loads the player's market in a season, if any.
func (s *Store) MarketForPlayer(ctx context.Context, seasonID uint64, player string) (Market, bool, error) {
	return s.getMarket(ctx, `SELECT `+marketColumns+` FROM markets WHERE season_id = ? AND player = ? ORDER BY market_address LIMIT 1`, seasonID, player)
}

func (s *Store) getMarket(ctx context.Context, q string, args ...any) (Market, bool, error) {
	var m Market
	err := s.db.GetContext(ctx, &m, s.db.Rebind(q), args...)
	switch {
	case err == nil:
		return m, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return Market{}, false, nil
	default:
		return Market{}, false, fmt.Errorf("get market: %w", err)
	}
}

// ListMarkets returns a season's markets; status filters when non-empty.
func (s *Store) ListMarkets(ctx context.Context, seasonID uint64, status string) ([]Market, error) {
	q := `SELECT ` + marketColumns + ` FROM markets WHERE season_id = ?`
	args := []any{seasonID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY market_address`

	var out []Market
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateMarketProbability(ctx context.Context, address string, bps uint64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE markets SET probability_bps = ? WHERE market_address = ?`), bps, address)
	if err != nil {
		return fmt.Errorf("update market probability: %w", err)
	}
	return nil
}

func (s *Store) UpdateMarketSentiment(ctx context.Context, address string, bps uint64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE markets SET sentiment_bps = ? WHERE market_address = ?`), bps, address)
	if err != nil {
		return fmt.Errorf("update market sentiment: %w", err)
	}
	return nil
}

// SettleMarkets marks every open market of the season settled against winner
// and returns how many rows changed.
func (s *Store) SettleMarkets(ctx context.Context, seasonID uint64, winner string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE markets SET
  status = ?,
  winner = ?,
  outcome = CASE WHEN player = ? THEN 'yes' ELSE 'no' END
WHERE season_id = ? AND status = ?`),
		MarketSettled, winner, winner, seasonID, MarketOpen)
	if err != nil {
		return 0, fmt.Errorf("settle markets season %d: %w", seasonID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("settle markets season %d: %w", seasonID, err)
	}
	return n, nil
}
