package pipeline

import (
	"context"
	"fmt"

	"github.com/devblac/season-keeper/internal/broadcast"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/devblac/season-keeper/internal/storage"
)

// Trade reacts to Trade logs of a prediction market. The market's own price
// function, not the trade delta, is the sentiment value.
type Trade struct {
	deps Deps
}

func NewTrade(d Deps) *Trade {
	return &Trade{deps: d.withDefaults("trade")}
}

func (t *Trade) HandleBatch(ctx context.Context, batch evm.LogBatch) error {
	return runBatch(ctx, t.deps, "trade", batch, t.handle)
}

func (t *Trade) handle(ctx context.Context, ev evm.DecodedEvent) error {
	trader, err := ev.Address("trader")
	if err != nil {
		return err
	}
	buyYes, err := ev.Bool("buyYes")
	if err != nil {
		return err
	}
	amountIn, err := ev.BigInt("amountIn")
	if err != nil {
		return err
	}
	sharesOut, err := ev.BigInt("sharesOut")
	if err != nil {
		return err
	}

	market := ev.Contract
	bps, err := t.deps.Views.PriceBps(ctx, market)
	if err != nil {
		return fmt.Errorf("market price: %w", err)
	}

	pending, err := t.deps.Store.RecordTrade(ctx, storage.Trade{
		TxHash:        ev.TxHash.Hex(),
		LogIndex:      ev.LogIndex,
		MarketAddress: storage.Addr(market),
		Trader:        storage.Addr(trader),
		BuyYes:        buyYes,
		AmountIn:      amountIn.String(),
		SharesOut:     sharesOut.String(),
		BlockNumber:   ev.BlockNumber,
	})
	if err != nil {
		return err
	}
	if !pending {
		t.deps.Logger.Debug("trade already processed", "tx", ev.TxHash.Hex(), "log_index", ev.LogIndex)
		return nil
	}

	// Stored sentiment first; the oracle push may retry for a while.
	if err := t.deps.Store.UpdateMarketSentiment(ctx, storage.Addr(market), bps); err != nil {
		return err
	}
	t.deps.Notifier.Notify(ctx, broadcast.EventSentimentMoved, map[string]any{
		"market":        storage.Addr(market),
		"sentiment_bps": bps,
		"trader":        storage.Addr(trader),
		"buy_yes":       buyYes,
	})

	if t.deps.Oracle != nil {
		res := t.deps.Oracle.UpdateMarketSentiment(ctx, market, int64(bps))
		if !res.Success {
			t.deps.Logger.Warn("oracle sentiment update failed", "market", market.Hex(), "bps", bps, "attempts", res.Attempts, "error", res.Err)
		}
	}
	return t.deps.Store.MarkTradeProcessed(ctx, ev.TxHash.Hex(), ev.LogIndex)
}
