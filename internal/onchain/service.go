package onchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/season-keeper/internal/alert"
	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/retry"
	"github.com/ethereum/go-ethereum/common"
)

// MaxBps is the upper bound of a basis-point value.
const MaxBps = 10_000

// ErrOutOfRange rejects basis-point arguments outside [0, 10000].
var ErrOutOfRange = errors.New("basis points out of range")

const (
	DefaultMaxRetries     = 5
	DefaultAlertAfter     = 3
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultReceiptTimeout = 60 * time.Second
)

// bpsArgs maps oracle functions to the index of their basis-point argument.
var bpsArgs = map[string]int{
	contracts.FnUpdateRaffleProbability: 1,
	contracts.FnUpdateMarketSentiment:   1,
}

// Alerter receives failure and success reports per logical key.
type Alerter interface {
	RecordFailure(ctx context.Context, key string, f alert.Failure) bool
	RecordSuccess(ctx context.Context, key string)
}

type Request struct {
	Contract chain.Contract
	Function string
	// Key groups failures for alerting; defaults to function:contract.
	Key  string
	Args []any
}

func (r Request) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Function + ":" + strings.ToLower(r.Contract.Address.Hex())
}

type Result struct {
	Success  bool
	TxHash   common.Hash
	Err      error
	Attempts int
}

type Config struct {
	MaxRetries     int
	AlertAfter     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ReceiptTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.AlertAfter <= 0 {
		c.AlertAfter = DefaultAlertAfter
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = DefaultReceiptTimeout
	}
}

// Schedule lists the backoff before each retry for attempts 1..n.
func (c Config) Schedule(n int) []time.Duration {
	c.withDefaults()
	out := make([]time.Duration, 0, n)
	for attempt := 1; attempt <= n; attempt++ {
		out = append(out, retry.Backoff(attempt, c.BaseDelay, c.MaxDelay))
	}
	return out
}

// Targets are the contracts the convenience wrappers write to.
type Targets struct {
	Oracle        chain.Contract
	MarketFactory chain.Contract
}

// Service sends contract writes with bounded exponential retry and escalates
// repeated failures to the alert service.
type Service struct {
	writer  chain.Writer
	confirm Confirmer
	alerts  Alerter
	targets Targets
	cfg     Config
	sleep   func(context.Context, time.Duration) error
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Deps struct {
	Writer  chain.Writer
	Waiter  chain.ReceiptWaiter
	Store   TxStore
	Alerts  Alerter
	Targets Targets
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Writer == nil {
		return nil, errors.New("onchain: writer is required")
	}
	cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "onchain")
	return &Service{
		writer:  deps.Writer,
		confirm: Confirmer{Waiter: deps.Waiter, Store: deps.Store, Timeout: cfg.ReceiptTimeout, Logger: logger},
		alerts:  deps.Alerts,
		targets: deps.Targets,
		cfg:     cfg,
		sleep:   retry.Sleep,
		logger:  logger,
		metrics: deps.Metrics,
	}, nil
}

// Call validates req and sends it, retrying up to MaxRetries times.
func (s *Service) Call(ctx context.Context, req Request) Result {
	if err := validate(req); err != nil {
		s.metrics.ChainCall(req.Function, "invalid")
		s.logger.Warn("rejected call", "function", req.Function, "error", err)
		return Result{Err: err}
	}

	key := req.key()
	logger := s.logger.With("function", req.Function, "contract", req.Contract.String())
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		hash, err := s.writer.Write(ctx, req.Contract, req.Function, req.Args...)
		if err == nil {
			s.metrics.ChainCall(req.Function, "success")
			if s.alerts != nil {
				s.alerts.RecordSuccess(ctx, key)
			}
			logger.Info("transaction sent", "tx", hash.Hex(), "attempt", attempt)
			s.confirm.Track(ctx, hash, req.Function, req.Contract.Address)
			return Result{Success: true, TxHash: hash, Attempts: attempt}
		}

		lastErr = err
		s.metrics.ChainCall(req.Function, "error")
		logger.Warn("call attempt failed", "attempt", attempt, "max", s.cfg.MaxRetries, "error", err)
		if attempt == s.cfg.AlertAfter && s.alerts != nil {
			s.alerts.RecordFailure(ctx, key, alert.Failure{Err: err, Context: map[string]string{
				"function": req.Function,
				"contract": req.Contract.String(),
				"attempt":  fmt.Sprint(attempt),
			}})
		}
		if ctx.Err() != nil {
			return Result{Err: ctx.Err(), Attempts: attempt}
		}
		if attempt < s.cfg.MaxRetries {
			if err := s.sleep(ctx, retry.Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)); err != nil {
				return Result{Err: err, Attempts: attempt}
			}
		}
	}

	logger.Error("call failed after retries", "attempts", s.cfg.MaxRetries, "error", lastErr)
	return Result{Err: fmt.Errorf("%s failed after %d attempts: %w", req.Function, s.cfg.MaxRetries, lastErr), Attempts: s.cfg.MaxRetries}
}

func validate(req Request) error {
	if req.Function == "" {
		return errors.New("function name required")
	}
	if req.Contract.Address == (common.Address{}) {
		return fmt.Errorf("%s: contract address required", req.Function)
	}
	idx, ok := bpsArgs[req.Function]
	if !ok {
		return nil
	}
	if idx >= len(req.Args) {
		return fmt.Errorf("%s: missing basis-point argument", req.Function)
	}
	if err := checkBps(req.Args[idx]); err != nil {
		return fmt.Errorf("%s: %w", req.Function, err)
	}
	return nil
}

func checkBps(v any) error {
	var n *big.Int
	switch x := v.(type) {
	case *big.Int:
		n = x
	case uint64:
		n = new(big.Int).SetUint64(x)
	case int64:
		n = big.NewInt(x)
	case int:
		n = big.NewInt(int64(x))
	default:
		return fmt.Errorf("basis points must be an integer, got %T", v)
	}
	if n == nil || n.Sign() < 0 || n.Cmp(big.NewInt(MaxBps)) > 0 {
		return fmt.Errorf("%w: %v", ErrOutOfRange, n)
	}
	return nil
}

// UpdateRaffleProbability pushes a market's raffle probability to the oracle.
func (s *Service) UpdateRaffleProbability(ctx context.Context, market common.Address, bps int64) Result {
	return s.Call(ctx, Request{
		Contract: s.targets.Oracle,
		Function: contracts.FnUpdateRaffleProbability,
		Key:      "oracle:" + strings.ToLower(market.Hex()),
		Args:     []any{market, big.NewInt(bps)},
	})
}

// UpdateMarketSentiment pushes a market's trading sentiment to the oracle.
func (s *Service) UpdateMarketSentiment(ctx context.Context, market common.Address, bps int64) Result {
	return s.Call(ctx, Request{
		Contract: s.targets.Oracle,
		Function: contracts.FnUpdateMarketSentiment,
		Key:      "oracle:" + strings.ToLower(market.Hex()),
		Args:     []any{market, big.NewInt(bps)},
	})
}

// ResolveSeasonMarkets settles every market of a season on-chain.
func (s *Service) ResolveSeasonMarkets(ctx context.Context, seasonID uint64, winner common.Address) Result {
	return s.Call(ctx, Request{
		Contract: s.targets.MarketFactory,
		Function: contracts.FnResolveSeasonMarkets,
		Key:      fmt.Sprintf("resolve:season:%d", seasonID),
		Args:     []any{new(big.Int).SetUint64(seasonID), winner},
	})
}
