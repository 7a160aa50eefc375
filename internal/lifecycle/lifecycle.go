// Package lifecycle starts seasons whose window has opened and requests the
// end of seasons whose window has closed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/onchain"
)

const DefaultInterval = 5 * time.Minute

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("lifecycle sweep already in progress")

const (
	ActionStart = "start"
	ActionEnd   = "end"
)

// SeasonReader exposes the raffle views the sweep needs; *contracts.Views implements it.
type SeasonReader interface {
	CurrentSeasonID(ctx context.Context) (uint64, error)
	SeasonDetails(ctx context.Context, seasonID uint64) (contracts.SeasonDetails, error)
}

// Caller sends raffle writes; *onchain.Service implements it.
type Caller interface {
	Call(ctx context.Context, req onchain.Request) onchain.Result
}

// Transition is one write a sweep attempted.
type Transition struct {
	SeasonID uint64
	Action   string
	Result   onchain.Result
}

// Report summarizes a sweep.
type Report struct {
	Checked     int
	Transitions []Transition
	Errors      []error
}

type Controller struct {
	reader   SeasonReader
	caller   Caller
	raffle   chain.Contract
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
	running  atomic.Bool
}

type Option func(*Controller)

func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func New(reader SeasonReader, caller Caller, raffle chain.Contract, opts ...Option) *Controller {
	c := &Controller{
		reader:   reader,
		caller:   caller,
		raffle:   raffle,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "lifecycle")
	return c
}

// Sweep checks every season once. A season whose read or write fails is
// reported and the sweep moves on.
func (c *Controller) Sweep(ctx context.Context) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer c.running.Store(false)

	var rep Report
	current, err := c.reader.CurrentSeasonID(ctx)
	if err != nil {
		c.metrics.Errors("lifecycle")
		return rep, fmt.Errorf("current season id: %w", err)
	}
	now := uint64(c.now().Unix())

	for id := uint64(1); id <= current; id++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		details, err := c.reader.SeasonDetails(ctx, id)
		if err != nil {
			c.metrics.Errors("lifecycle")
			c.logger.Warn("season read failed", "season", id, "error", err)
			rep.Errors = append(rep.Errors, fmt.Errorf("season %d: %w", id, err))
			continue
		}

		action, fn := due(details, now)
		if action == "" {
			continue
		}
		res := c.caller.Call(ctx, onchain.Request{
			Contract: c.raffle,
			Function: fn,
			Key:      fmt.Sprintf("lifecycle:%s:season:%d", action, id),
			Args:     []any{new(big.Int).SetUint64(id)},
		})
		rep.Transitions = append(rep.Transitions, Transition{SeasonID: id, Action: action, Result: res})
		if res.Success {
			c.metrics.Transition(action, "success")
			c.logger.Info("season transition sent", "season", id, "action", action, "tx", res.TxHash.Hex())
			continue
		}
		c.metrics.Transition(action, "failure")
		c.logger.Error("season transition failed", "season", id, "action", action, "attempts", res.Attempts, "error", res.Err)
		rep.Errors = append(rep.Errors, fmt.Errorf("season %d %s: %w", id, action, res.Err))
	}
	return rep, nil
}

// due picks the transition a season needs at unix time now, if any.
func due(d contracts.SeasonDetails, now uint64) (action, fn string) {
	switch {
	case d.Status == contracts.StatusNotStarted && d.StartTime <= now && now < d.EndTime:
		return ActionStart, contracts.FnStartSeason
	case d.Status == contracts.StatusActive && now >= d.EndTime:
		return ActionEnd, contracts.FnRequestSeasonEnd
	default:
		return "", ""
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.Sweep(ctx); err != nil {
			switch {
			case errors.Is(err, ErrSweepInProgress):
				c.logger.Debug("sweep skipped, previous still running")
			case ctx.Err() != nil:
				return nil
			default:
				c.logger.Warn("sweep failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
