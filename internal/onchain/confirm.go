package onchain

import (
	"context"
	"log/slog"
	"time"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// TxStore persists the history of transactions this process sent.
type TxStore interface {
	RecordTransaction(ctx context.Context, rec storage.TxRecord) (bool, error)
	UpdateTransactionStatus(ctx context.Context, hash, status string, block uint64) error
}

// Confirmer records a sent transaction and waits a bounded time for its
// receipt. The outcome is logged and stored but never resent.
type Confirmer struct {
	Waiter  chain.ReceiptWaiter
	Store   TxStore
	Timeout time.Duration
	Logger  *slog.Logger
}

// Track returns the final stored status of hash.
func (c Confirmer) Track(ctx context.Context, hash common.Hash, kind string, target common.Address) string {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tx", hash.Hex(), "kind", kind)

	if c.Store != nil {
		rec := storage.TxRecord{Hash: hash.Hex(), Kind: kind, Target: storage.Addr(target), Status: storage.TxPending}
		if _, err := c.Store.RecordTransaction(ctx, rec); err != nil {
			logger.Warn("record transaction failed", "error", err)
		}
	}
	if c.Waiter == nil {
		return storage.TxPending
	}

	status := storage.TxUnknown
	var block uint64
	rcpt, err := c.Waiter.WaitForReceipt(ctx, hash, c.Timeout)
	switch {
	case err != nil:
		logger.Warn("transaction confirmation not observed", "timeout", c.Timeout, "error", err)
	case rcpt.Succeeded():
		status, block = storage.TxConfirmed, rcpt.BlockNumber
		logger.Info("transaction confirmed", "block", block)
	default:
		status, block = storage.TxReverted, rcpt.BlockNumber
		logger.Warn("transaction reverted", "block", block)
	}

	if c.Store != nil {
		// The caller's context may be gone by now; the status write is short.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.Store.UpdateTransactionStatus(wctx, hash.Hex(), status, block); err != nil {
			logger.Warn("update transaction status failed", "error", err)
		}
	}
	return status
}
