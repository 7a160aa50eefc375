// Package pipeline holds the reactions to decoded chain events. Every
// pipeline handles a batch log by log: one failing log is reported and the
// rest of the batch still runs. A batch with failures returns a joined error
// so the poller keeps its cursor and the chunk is redelivered. Events are
// keyed by (tx hash, log index) and only marked processed after their
// reactions ran, so a redelivered event resumes what it did not finish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devblac/season-keeper/internal/broadcast"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/gasless"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/onchain"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// Store is the persistence the pipelines write through; *storage.Store implements it.
type Store interface {
	RecordPosition(ctx context.Context, ev storage.PositionEvent) (bool, error)
	MarkPositionProcessed(ctx context.Context, txHash string, logIndex uint) error
	SeasonTotal(ctx context.Context, seasonID uint64) (uint64, error)
	RecomputeProbabilities(ctx context.Context, seasonID, total uint64) error
	GetPosition(ctx context.Context, seasonID uint64, player string) (storage.Position, bool, error)
	ListPositions(ctx context.Context, seasonID uint64) ([]storage.Position, error)

	UpsertMarket(ctx context.Context, m storage.Market) (bool, error)
	GetMarket(ctx context.Context, address string) (storage.Market, bool, error)
	MarketForPlayer(ctx context.Context, seasonID uint64, player string) (storage.Market, bool, error)
	ListMarkets(ctx context.Context, seasonID uint64, status string) ([]storage.Market, error)
	UpdateMarketProbability(ctx context.Context, address string, bps uint64) error
	UpdateMarketSentiment(ctx context.Context, address string, bps uint64) error
	SettleMarkets(ctx context.Context, seasonID uint64, winner string) (int64, error)

	RecordTrade(ctx context.Context, t storage.Trade) (bool, error)
	MarkTradeProcessed(ctx context.Context, txHash string, logIndex uint) error

	GetSeason(ctx context.Context, id uint64) (storage.Season, bool, error)
	InsertSeason(ctx context.Context, season storage.Season) (bool, error)
	MarkSeasonCompleted(ctx context.Context, id uint64) error
}

// Views are the contract reads the pipelines depend on; *contracts.Views implements it.
type Views interface {
	SeasonDetails(ctx context.Context, seasonID uint64) (contracts.SeasonDetails, error)
	Winners(ctx context.Context, seasonID uint64) ([]common.Address, error)
	MaxSupply(ctx context.Context, curve common.Address) (uint64, error)
	PriceBps(ctx context.Context, market common.Address) (uint64, error)
}

// Oracle pushes derived values on-chain; *onchain.Service implements it.
type Oracle interface {
	UpdateRaffleProbability(ctx context.Context, market common.Address, bps int64) onchain.Result
	UpdateMarketSentiment(ctx context.Context, market common.Address, bps int64) onchain.Result
	ResolveSeasonMarkets(ctx context.Context, seasonID uint64, winner common.Address) onchain.Result
}

// MarketCreator submits sponsored market creation; *gasless.Service implements it.
type MarketCreator interface {
	Submit(ctx context.Context, in gasless.Intent) gasless.Result
}

type Deps struct {
	Store    Store
	Views    Views
	Oracle   Oracle
	Creator  MarketCreator
	Notifier broadcast.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Quarantine, when set, lets a stream move past a log that keeps failing.
	Quarantine *Quarantine
}

func (d Deps) withDefaults(name string) Deps {
	if d.Notifier == nil {
		d.Notifier = broadcast.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("pipeline", name)
	return d
}

// runBatch applies fn to every event and joins the per-log errors.
func runBatch(ctx context.Context, d Deps, name string, batch evm.LogBatch, fn func(context.Context, evm.DecodedEvent) error) error {
	var errs []error
	for _, ev := range batch.Events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := fn(ctx, ev)
		if err == nil {
			d.Quarantine.Succeeded(ctx, name, ev)
			continue
		}
		d.Metrics.Errors("pipeline_" + name)
		d.Logger.Warn("log handling failed",
			"tx", ev.TxHash.Hex(), "log_index", ev.LogIndex, "block", ev.BlockNumber, "error", err)
		// Shutdown is not the log's fault.
		if ctx.Err() == nil && d.Quarantine.Failed(ctx, name, ev, err) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s %s/%d: %w", name, ev.TxHash.Hex(), ev.LogIndex, err))
	}
	return errors.Join(errs...)
}
