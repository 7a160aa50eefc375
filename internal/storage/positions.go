package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PositionEvent is one decoded ticket position change, keyed by (TxHash, LogIndex).
type PositionEvent struct {
	TxHash       string `db:"tx_hash"`
	LogIndex     uint   `db:"log_index"`
	SeasonID     uint64 `db:"season_id"`
	Player       string `db:"player"`
	OldTickets   uint64 `db:"old_tickets"`
	NewTickets   uint64 `db:"new_tickets"`
	TotalTickets uint64 `db:"total_tickets"`
	BlockNumber  uint64 `db:"block_number"`
}

// Position is a player's current holding in a season.
type Position struct {
	SeasonID       uint64 `db:"season_id"`
	Player         string `db:"player"`
	Tickets        uint64 `db:"tickets"`
	ProbabilityBps uint64 `db:"probability_bps"`
	UpdatedBlock   uint64 `db:"updated_block"`
}

// RecordPosition stores the event and applies it to the player's position in
// one transaction. It reports whether the event still needs its reactions:
// false once MarkPositionProcessed has run for it. Re-applying an unprocessed
// event is harmless since older blocks never overwrite a newer holding.
func (s *Store) RecordPosition(ctx context.Context, ev PositionEvent) (bool, error) {
	if ev.TxHash == "" || ev.Player == "" {
		return false, errors.New("tx_hash and player are required")
	}
	var pending bool
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO position_events (tx_hash, log_index, season_id, player, old_tickets, new_tickets, total_tickets, block_number)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash, log_index) DO NOTHING`),
			ev.TxHash, ev.LogIndex, ev.SeasonID, ev.Player, ev.OldTickets, ev.NewTickets, ev.TotalTickets, ev.BlockNumber)
		if err != nil {
			return fmt.Errorf("insert position event: %w", err)
		}
		var processed bool
		if err := tx.GetContext(ctx, &processed, tx.Rebind(`SELECT processed FROM position_events WHERE tx_hash = ? AND log_index = ?`), ev.TxHash, ev.LogIndex); err != nil {
			return fmt.Errorf("read position event: %w", err)
		}
		if processed {
			return nil
		}
		pending = true
		_, err = tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO positions (season_id, player, tickets, probability_bps, updated_block)
VALUES (?, ?, ?, 0, ?)
ON CONFLICT(season_id, player) DO UPDATE SET
  tickets = excluded.tickets,
  updated_block = excluded.updated_block
WHERE positions.updated_block <= excluded.updated_block`),
			ev.SeasonID, ev.Player, ev.NewTickets, ev.BlockNumber)
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return pending, nil
}

// MarkPositionProcessed records that every reaction to the event has run.
func (s *Store) MarkPositionProcessed(ctx context.Context, txHash string, logIndex uint) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE position_events SET processed = TRUE WHERE tx_hash = ? AND log_index = ?`), txHash, logIndex)
	if err != nil {
		return fmt.Errorf("mark position event %s/%d: %w", txHash, logIndex, err)
	}
	return nil
}

// SeasonTotal returns the ticket total carried by the season's newest
// recorded event, or 0 when none is recorded.
func (s *Store) SeasonTotal(ctx context.Context, seasonID uint64) (uint64, error) {
	var total uint64
	err := s.db.GetContext(ctx, &total, s.db.Rebind(`
SELECT total_tickets FROM position_events WHERE season_id = ?
ORDER BY block_number DESC, log_index DESC LIMIT 1`), seasonID)
	switch {
	case err == nil:
		return total, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	default:
		return 0, fmt.Errorf("season total %d: %w", seasonID, err)
	}
}

// RecomputeProbabilities rewrites every participant's share of total in basis points.
func (s *Store) RecomputeProbabilities(ctx context.Context, seasonID, total uint64) error {
	var err error
	if total == 0 {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE positions SET probability_bps = 0 WHERE season_id = ?`), seasonID)
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE positions SET probability_bps = (tickets * 10000) / ? WHERE season_id = ?`), total, seasonID)
	}
	if err != nil {
		return fmt.Errorf("recompute probabilities season %d: %w", seasonID, err)
	}
	return nil
}

// GetPosition loads one player's position.
func (s *Store) GetPosition(ctx context.Context, seasonID uint64, player string) (Position, bool, error) {
	var p Position
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`
SELECT season_id, player, tickets, probability_bps, updated_block
FROM positions WHERE season_id = ? AND player = ?`), seasonID, player)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return Position{}, false, nil
	default:
		return Position{}, false, fmt.Errorf("get position: %w", err)
	}
}

// ListPositions returns a season's positions ordered by player.
func (s *Store) ListPositions(ctx context.Context, seasonID uint64) ([]Position, error) {
	var out []Position
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
SELECT season_id, player, tickets, probability_bps, updated_block
FROM positions WHERE season_id = ? ORDER BY player`), seasonID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return out, nil
}
