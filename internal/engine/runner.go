package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/season-keeper/internal/alert"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/cursor"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/pipeline"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Store is everything the runner and its pipelines persist through.
type Store interface {
	pipeline.Store
	ListSeasons(ctx context.Context, status string) ([]storage.Season, error)
}

// Alerter receives per-listener failures and recoveries; *alert.Service implements it.
type Alerter interface {
	RecordFailure(ctx context.Context, key string, f alert.Failure) bool
	RecordSuccess(ctx context.Context, key string)
}

type Config struct {
	Raffle        common.Address
	MarketFactory common.Address
	Interval      time.Duration
	MaxBlockRange uint64
	Lookback      uint64
	ThresholdBps  uint64
	MarketType    string
	Retry         evm.RetryPolicy

	// MaxLogFailures bounds consecutive failures of one log before its
	// stream skips it; 0 means the default and a negative value never skips.
	MaxLogFailures int
}

type Deps struct {
	Client   evm.LogClient
	Cursor   evm.CursorStore
	ABIs     contracts.ABIs
	Store    Store
	Pipeline pipeline.Deps
	Alerts   Alerter
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Background tasks run alongside the streams, e.g. the transport sweep
	// and the lifecycle loop. A task error stops the runner.
	Background []func(ctx context.Context) error
	// Drain runs after every stream stopped, e.g. waiting for confirmations.
	Drain func()
}

// Runner wires the static raffle and factory streams, restores per-season
// streams from storage, and supervises them until shutdown.
type Runner struct {
	cfg        Config
	client     evm.LogClient
	cursor     evm.CursorStore
	abis       contracts.ABIs
	store      Store
	alerts     Alerter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	background []func(context.Context) error
	drain      func()

	supervisor *Supervisor
	static     []StreamSpec
}

// NewRunner builds the pipelines and stream specs; nothing runs until Run.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Client == nil || deps.Cursor == nil || deps.Store == nil {
		return nil, errors.New("runner: client, cursor and store are required")
	}
	if cfg.Raffle == (common.Address{}) || cfg.MarketFactory == (common.Address{}) {
		return nil, errors.New("runner: raffle and market factory addresses are required")
	}
	if deps.ABIs == nil {
		deps.ABIs = contracts.ABIs{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MarketType == "" {
		cfg.MarketType = contracts.DefaultMarketType
	}

	r := &Runner{
		cfg:        cfg,
		client:     deps.Client,
		cursor:     deps.Cursor,
		abis:       deps.ABIs,
		store:      deps.Store,
		alerts:     deps.Alerts,
		logger:     deps.Logger.With("component", "engine"),
		metrics:    deps.Metrics,
		background: deps.Background,
		drain:      deps.Drain,
	}

	pd := deps.Pipeline
	pd.Store = deps.Store
	if pd.Logger == nil {
		pd.Logger = deps.Logger
	}
	if pd.Metrics == nil {
		pd.Metrics = deps.Metrics
	}
	if pd.Quarantine == nil && cfg.MaxLogFailures >= 0 {
		pd.Quarantine = pipeline.NewQuarantine(cfg.MaxLogFailures, deps.Alerts, deps.Logger)
	}

	position := pipeline.NewPosition(pd, cfg.ThresholdBps, cfg.MarketType)
	r.supervisor = newSupervisor(r.launch,
		positionSpec(position, position.WithSource(pipeline.SourceBackfill)),
		tradeSpec(pipeline.NewTrade(pd)),
		deps.Metrics)

	r.static = []StreamSpec{
		{
			Contract: contracts.Raffle,
			Address:  cfg.Raffle,
			Event:    contracts.EventSeasonStarted,
			Live:     pipeline.NewSeasonStarted(pd, r.supervisor.SpawnSeason),
		},
		{
			Contract: contracts.Raffle,
			Address:  cfg.Raffle,
			Event:    contracts.EventSeasonCompleted,
			Live:     pipeline.NewSeasonCompleted(pd, r.supervisor.Cleanup),
		},
		{
			Contract: contracts.MarketFactory,
			Address:  cfg.MarketFactory,
			Event:    contracts.EventMarketCreated,
			Live:     pipeline.NewMarketCreated(pd, r.supervisor.SpawnMarket, cfg.MarketType),
		},
	}
	return r, nil
}

// Supervisor exposes the per-season stream registry.
func (r *Runner) Supervisor() *Supervisor { return r.supervisor }

// launch builds a poller for spec and runs it in its own goroutine.
func (r *Runner) launch(ctx context.Context, spec StreamSpec) (*stream, error) {
	dec, err := r.abis.Decoder(spec.Contract, spec.Event)
	if err != nil {
		return nil, err
	}
	key := cursor.Key(spec.Address, spec.Event)
	alertKey := "listener:" + key
	h := &phased{live: spec.Live, backfill: spec.Backfill}

	// Callbacks outlive the tick context that triggered them.
	cbCtx := context.WithoutCancel(ctx)
	report := func(err error) {
		if r.alerts != nil {
			r.alerts.RecordFailure(cbCtx, alertKey, alert.Failure{
				Err:     err,
				Context: map[string]string{"listener": key, "contract": spec.Contract},
			})
		}
	}
	p, err := evm.NewPoller(r.client, evm.PollerConfig{
		Key:           key,
		Address:       spec.Address,
		Decoder:       dec,
		Interval:      r.cfg.Interval,
		MaxBlockRange: r.cfg.MaxBlockRange,
		Retry:         r.cfg.Retry,
		Cursor:        r.cursor,
		Handle:        h.HandleBatch,
		OnError:       report,
		OnProgress: func(uint64) {
			if r.alerts != nil {
				r.alerts.RecordSuccess(cbCtx, alertKey)
			}
		},
		Logger:  r.logger,
		Metrics: r.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("poller %s: %w", key, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	st := &stream{key: key, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(st.done)
		run(sctx, p, h, r.cfg.Lookback, report)
	}()
	r.logger.Info("listener started", "listener", key, "contract", spec.Contract)
	return st, nil
}

// Restore respawns the streams of every active season and its open markets.
func (r *Runner) Restore(ctx context.Context) error {
	seasons, err := r.store.ListSeasons(ctx, storage.SeasonActive)
	if err != nil {
		return fmt.Errorf("restore seasons: %w", err)
	}
	var errs []error
	for _, season := range seasons {
		if err := r.supervisor.SpawnSeason(ctx, season); err != nil {
			errs = append(errs, err)
			continue
		}
		markets, err := r.store.ListMarkets(ctx, season.ID, storage.MarketOpen)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range markets {
			if err := r.supervisor.SpawnMarket(ctx, m); err != nil {
				errs = append(errs, err)
			}
		}
	}
	r.logger.Info("restored seasons", "count", len(seasons), "listeners", len(r.supervisor.Listeners()))
	return errors.Join(errs...)
}

// Run starts everything and blocks until ctx ends or a background task fails.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	r.supervisor.bind(gctx)

	for _, task := range r.background {
		g.Go(func() error { return task(gctx) })
	}

	if err := r.Restore(gctx); err != nil {
		r.logger.Warn("restore incomplete", "error", err)
	}

	static := make([]*stream, 0, len(r.static))
	for _, spec := range r.static {
		st, err := r.launch(gctx, spec)
		if err != nil {
			cancel()
			for _, s := range static {
				s.stop()
			}
			r.supervisor.StopAll()
			_ = g.Wait()
			return err
		}
		static = append(static, st)
	}
	r.metrics.ListenersChanged(len(static))

	g.Go(func() error {
		<-gctx.Done()
		for _, s := range static {
			s.stop()
		}
		r.metrics.ListenersChanged(-len(static))
		r.supervisor.StopAll()
		if r.drain != nil {
			r.drain()
		}
		r.logger.Info("engine stopped")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
