package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trade is one decoded market trade keyed by (TxHash, LogIndex).
type Trade struct {
	TxHash        string `db:"tx_hash"`
	LogIndex      uint   `db:"log_index"`
	MarketAddress string `db:"market_address"`
	Trader        string `db:"trader"`
	BuyYes        bool   `db:"-"`
	AmountIn      string `db:"amount_in"`
	SharesOut     string `db:"shares_out"`
	BlockNumber   uint64 `db:"block_number"`
}

// RecordTrade stores a trade once and reports whether its reactions are
// still pending: false once MarkTradeProcessed has run for it.
func (s *Store) RecordTrade(ctx context.Context, t Trade) (bool, error) {
	if t.TxHash == "" || t.MarketAddress == "" {
		return false, errors.New("tx_hash and market_address are required")
	}
	side := "no"
	if t.BuyYes {
		side = "yes"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO trades (tx_hash, log_index, market_address, trader, buy_yes, amount_in, shares_out, block_number)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash, log_index) DO NOTHING`),
		t.TxHash, t.LogIndex, t.MarketAddress, t.Trader, side, t.AmountIn, t.SharesOut, t.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	var processed bool
	if err := s.db.GetContext(ctx, &processed, s.db.Rebind(`SELECT processed FROM trades WHERE tx_hash = ? AND log_index = ?`), t.TxHash, t.LogIndex); err != nil {
		return false, fmt.Errorf("read trade: %w", err)
	}
	return !processed, nil
}

// MarkTradeProcessed records that the trade's sentiment was stored and pushed.
func (s *Store) MarkTradeProcessed(ctx context.Context, txHash string, logIndex uint) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE trades SET processed = TRUE WHERE tx_hash = ? AND log_index = ?`), txHash, logIndex)
	if err != nil {
		return fmt.Errorf("mark trade %s/%d: %w", txHash, logIndex, err)
	}
	return nil
}

// FailedAttempt is a durable record of a sponsored transaction attempt that
// failed, kept for manual retry.
type FailedAttempt struct {
	ID           string    `db:"id" json:"id"`
	Source       string    `db:"source" json:"source"`
	SeasonID     uint64    `db:"season_id" json:"season_id"`
	Player       string    `db:"player" json:"player"`
	FunctionName string    `db:"function_name" json:"function_name"`
	Attempt      int       `db:"attempt" json:"attempt"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// InsertFailedAttempt stores the record, assigning an id when empty.
func (s *Store) InsertFailedAttempt(ctx context.Context, fa FailedAttempt) error {
	if fa.Source == "" || fa.FunctionName == "" {
		return errors.New("source and function_name are required")
	}
	if fa.ID == "" {
		fa.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO failed_attempts (id, source, season_id, player, function_name, attempt, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`),
		fa.ID, fa.Source, fa.SeasonID, fa.Player, fa.FunctionName, fa.Attempt, fa.ErrorMessage, nullTime(fa.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert failed attempt: %w", err)
	}
	return nil
}

// ListFailedAttempts returns the most recent records first; limit <= 0 returns all.
func (s *Store) ListFailedAttempts(ctx context.Context, limit int) ([]FailedAttempt, error) {
	q := `SELECT id, source, season_id, player, function_name, attempt, error_message, created_at FROM failed_attempts ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []FailedAttempt
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list failed attempts: %w", err)
	}
	return out, nil
}

const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxReverted  = "reverted"
	TxUnknown   = "unknown"
)

// TxRecord is the history entry of a transaction this process sent.
type TxRecord struct {
	Hash        string    `db:"tx_hash"`
	Kind        string    `db:"kind"`
	Target      string    `db:"target"`
	Status      string    `db:"status"`
	BlockNumber uint64    `db:"block_number"`
	CreatedAt   time.Time `db:"created_at"`
}

// RecordTransaction stores a sent transaction once, keyed by hash.
func (s *Store) RecordTransaction(ctx context.Context, rec TxRecord) (bool, error) {
	if rec.Hash == "" || rec.Kind == "" {
		return false, errors.New("tx hash and kind are required")
	}
	if rec.Status == "" {
		rec.Status = TxPending
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO transactions (tx_hash, kind, target, status, block_number)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tx_hash) DO NOTHING`),
		rec.Hash, rec.Kind, rec.Target, rec.Status, rec.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	return inserted(res)
}

// UpdateTransactionStatus records the confirmation outcome of a sent transaction.
func (s *Store) UpdateTransactionStatus(ctx context.Context, hash, status string, block uint64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE transactions SET status = ?, block_number = ? WHERE tx_hash = ?`), status, block, hash)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", hash, err)
	}
	return nil
}

// GetTransaction loads a transaction record by hash.
func (s *Store) GetTransaction(ctx context.Context, hash string) (TxRecord, bool, error) {
	var rec TxRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`SELECT tx_hash, kind, target, status, block_number, created_at FROM transactions WHERE tx_hash = ?`), hash)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return TxRecord{}, false, nil
	default:
		return TxRecord{}, false, fmt.Errorf("get transaction: %w", err)
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
