// Package gasless relays sponsored market-creation transactions. The sponsor
// wallet pays the fee; failures are logged durably for manual retry.
package gasless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/onchain"
	"github.com/devblac/season-keeper/internal/retry"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultDelays are the fixed waits before each retry; a schedule longer
// than the attempt budget leaves its tail unused.
var DefaultDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

const DefaultMaxAttempts = 3

// Intent asks for a market on one player of one season.
type Intent struct {
	Source         string
	SeasonID       uint64
	Player         common.Address
	MarketType     string
	ProbabilityBps uint64
}

type Result struct {
	Success  bool
	TxHash   common.Hash
	Err      error
	Attempts int
}

// FailureLog durably records failed attempts.
type FailureLog interface {
	InsertFailedAttempt(ctx context.Context, fa storage.FailedAttempt) error
}

type Config struct {
	MaxAttempts    int
	Delays         []time.Duration
	ReceiptTimeout time.Duration
}

type Deps struct {
	Sponsor  chain.Writer
	Waiter   chain.ReceiptWaiter
	Factory  chain.Contract
	Failures FailureLog
	Txs      onchain.TxStore
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Service submits intents with a fixed retry schedule and tracks
// confirmations in the background.
type Service struct {
	sponsor  chain.Writer
	factory  chain.Contract
	failures FailureLog
	confirm  onchain.Confirmer
	attempts int
	delays   []time.Duration
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Sponsor == nil {
		return nil, errors.New("gasless: sponsor writer is required")
	}
	if deps.Factory.Address == (common.Address{}) {
		return nil, errors.New("gasless: market factory address is required")
	}
	delays := cfg.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = onchain.DefaultReceiptTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gasless")
	return &Service{
		sponsor:  deps.Sponsor,
		factory:  deps.Factory,
		failures: deps.Failures,
		confirm:  onchain.Confirmer{Waiter: deps.Waiter, Store: deps.Txs, Timeout: timeout, Logger: logger},
		attempts: attempts,
		delays:   delays,
		sleep:    retry.Sleep,
		logger:   logger,
		metrics:  deps.Metrics,
	}, nil
}

// Submit sends createMarket for the intent, waiting the n-th configured delay
// after the n-th failure; the last delay repeats if attempts outnumber it.
// It returns as soon as a transaction hash is obtained.
func (s *Service) Submit(ctx context.Context, in Intent) Result {
	if in.Player == (common.Address{}) {
		return Result{Err: errors.New("intent player is required")}
	}
	if in.MarketType == "" {
		return Result{Err: errors.New("intent market type is required")}
	}
	if in.Source == "" {
		in.Source = "unknown"
	}

	logger := s.logger.With("source", in.Source, "season", in.SeasonID, "player", in.Player.Hex(), "market_type", in.MarketType)
	maxAttempts := s.attempts
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		hash, err := s.sponsor.Write(ctx, s.factory, contracts.FnCreateMarket,
			new(big.Int).SetUint64(in.SeasonID), in.Player, contracts.MarketTypeID(in.MarketType))
		if err == nil {
			s.metrics.ChainCall(contracts.FnCreateMarket, "success")
			logger.Info("sponsored transaction sent", "tx", hash.Hex(), "attempt", attempt)
			s.track(ctx, hash)
			return Result{Success: true, TxHash: hash, Attempts: attempt}
		}

		lastErr = err
		s.metrics.ChainCall(contracts.FnCreateMarket, "error")
		s.metrics.FailedAttempt(in.Source)
		logger.Warn("sponsored attempt failed", "attempt", attempt, "max", maxAttempts, "error", err)
		s.recordFailure(ctx, in, attempt, err)

		if attempt < maxAttempts {
			if err := s.sleep(ctx, s.delay(attempt)); err != nil {
				return Result{Err: err, Attempts: attempt}
			}
		}
	}
	return Result{Err: fmt.Errorf("createMarket failed after %d attempts: %w", maxAttempts, lastErr), Attempts: maxAttempts}
}

func (s *Service) delay(attempt int) time.Duration {
	if attempt > len(s.delays) {
		return s.delays[len(s.delays)-1]
	}
	return s.delays[attempt-1]
}

func (s *Service) recordFailure(ctx context.Context, in Intent, attempt int, cause error) {
	if s.failures == nil {
		return
	}
	fa := storage.FailedAttempt{
		Source:       in.Source,
		SeasonID:     in.SeasonID,
		Player:       storage.Addr(in.Player),
		FunctionName: contracts.FnCreateMarket,
		Attempt:      attempt,
		ErrorMessage: cause.Error(),
	}
	if err := s.failures.InsertFailedAttempt(context.WithoutCancel(ctx), fa); err != nil {
		s.logger.Error("persist failed attempt", "error", err)
	}
}

func (s *Service) track(ctx context.Context, hash common.Hash) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.confirm.Track(context.WithoutCancel(ctx), hash, contracts.FnCreateMarket, s.factory.Address)
	}()
}

// Wait blocks until every background confirmation has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
