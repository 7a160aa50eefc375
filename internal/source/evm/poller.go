package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
)

// CursorStore persists the last fully processed block per listener key.
type CursorStore interface {
	Get(ctx context.Context, key string) (uint64, bool, error)
	Set(ctx context.Context, key string, block uint64) error
}

type PollerConfig struct {
	Key           string
	Address       common.Address
	Decoder       *Decoder
	StartBlock    *uint64
	Interval      time.Duration
	MaxBlockRange uint64
	Retry         RetryPolicy
	Cursor        CursorStore
	Handle        func(ctx context.Context, batch LogBatch) error
	OnError       func(err error)
	OnProgress    func(block uint64)
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Poller tails one (contract, event) stream in bounded block ranges and
// persists progress only after a range is fully handled.
type Poller struct {
	client  LogClient
	cfg     PollerConfig
	fetcher *Fetcher

	resolved bool
	next     uint64
	stopped  atomic.Bool
}

func NewPoller(client LogClient, cfg PollerConfig) (*Poller, error) {
	if client == nil {
		return nil, errors.New("poller: client is required")
	}
	if cfg.Decoder == nil || cfg.Handle == nil || cfg.Cursor == nil {
		return nil, errors.New("poller: decoder, handle and cursor are required")
	}
	if cfg.Key == "" {
		return nil, errors.New("poller: key is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("listener", cfg.Key)

	p := &Poller{client: client, cfg: cfg}
	p.fetcher = NewFetcher(client, cfg.Address, cfg.Decoder, cfg.Retry)
	p.fetcher.OnDecodeError(p.report)
	return p, nil
}

func (p *Poller) Key() string { return p.cfg.Key }

// Next is the first block the following tick will fetch; zero before resolution.
func (p *Poller) Next() uint64 { return p.next }

// resolve picks the resume point: explicit start, cursor+1, else fallback(head).
func (p *Poller) resolve(ctx context.Context, head uint64, fallback func(uint64) uint64) error {
	if p.resolved {
		return nil
	}
	switch {
	case p.cfg.StartBlock != nil:
		p.next = *p.cfg.StartBlock
	default:
		block, ok, err := p.cfg.Cursor.Get(ctx, p.cfg.Key)
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		if ok {
			p.next = block + 1
		} else {
			p.next = fallback(head)
		}
	}
	p.resolved = true
	p.cfg.Logger.Info("poller resume point", "block", p.next, "head", head)
	return nil
}

// CatchUp synchronously replays history before live polling. Without an
// explicit start or cursor it begins lookback blocks below the head.
func (p *Poller) CatchUp(ctx context.Context, lookback uint64) error {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}
	err = p.resolve(ctx, head, func(h uint64) uint64 {
		if h < lookback {
			return 0
		}
		return h - lookback
	})
	if err != nil {
		return err
	}
	return p.process(ctx, head)
}

// Tick runs one poll cycle. It is not safe for concurrent use; Start drives it
// from a single goroutine.
func (p *Poller) Tick(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}
	if err := p.resolve(ctx, head, func(h uint64) uint64 { return h + 1 }); err != nil {
		return err
	}
	return p.process(ctx, head)
}

func (p *Poller) process(ctx context.Context, head uint64) error {
	if head < p.next {
		return nil
	}
	err := ScanRange(ctx, p.fetcher, p.next, head, p.cfg.MaxBlockRange, func(ctx context.Context, batch LogBatch) error {
		if p.stopped.Load() {
			return ErrStopped
		}
		p.cfg.Metrics.ChunkFetched(p.cfg.Key)
		p.cfg.Metrics.LogsProcessed(p.cfg.Key, len(batch.Events))
		return p.cfg.Handle(ctx, batch)
	})
	if err != nil {
		var ce *ChunkError
		if errors.As(err, &ce) && ce.Range.From > p.next && !p.stopped.Load() {
			p.commit(ctx, ce.Range.From-1)
		}
		return err
	}
	if p.stopped.Load() {
		return ErrStopped
	}
	p.commit(ctx, head)
	return nil
}

func (p *Poller) commit(ctx context.Context, block uint64) {
	if err := p.cfg.Cursor.Set(ctx, p.cfg.Key, block); err != nil {
		p.report(fmt.Errorf("persist cursor %d: %w", block, err))
	}
	p.next = block + 1
	p.cfg.Metrics.CursorAdvanced(p.cfg.Key, block)
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(block)
	}
}

func (p *Poller) report(err error) {
	p.cfg.Metrics.Errors("poller")
	p.cfg.Logger.Warn("poller error", "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

// Start runs ticks until the returned cancel is called or ctx ends. The next
// tick is scheduled only after the previous one returns. Cancel blocks until
// the loop exits.
func (p *Poller) Start(ctx context.Context) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := p.Tick(ctx); err != nil && !IsStopped(err) && ctx.Err() == nil {
				p.report(err)
			}
			timer.Reset(p.cfg.Interval)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.stopped.Store(true)
			cancelCtx()
			<-done
		})
	}
}
