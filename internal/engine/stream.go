package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devblac/season-keeper/internal/retry"
	"github.com/devblac/season-keeper/internal/source/evm"
)

// Handler consumes decoded batches of one stream.
type Handler interface {
	HandleBatch(ctx context.Context, batch evm.LogBatch) error
}

// stream is one running poller: a catch-up phase over recent history followed
// by live polling. backfill handles the catch-up phase when set.
type stream struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *stream) stop() {
	s.cancel()
	<-s.done
}

// phased routes batches to backfill until live is flipped.
type phased struct {
	live, backfill Handler
	isLive         atomic.Bool
}

func (p *phased) HandleBatch(ctx context.Context, batch evm.LogBatch) error {
	if p.backfill != nil && !p.isLive.Load() {
		return p.backfill.HandleBatch(ctx, batch)
	}
	return p.live.HandleBatch(ctx, batch)
}

const (
	catchUpBase = time.Second
	catchUpMax  = time.Minute
)

// run catches up until it succeeds once, then polls live until ctx ends.
func run(ctx context.Context, p *evm.Poller, h *phased, lookback uint64, report func(error)) {
	for attempt := 1; ; attempt++ {
		err := p.CatchUp(ctx, lookback)
		if err == nil {
			break
		}
		if ctx.Err() != nil || evm.IsStopped(err) {
			return
		}
		report(err)
		if retry.Sleep(ctx, retry.Backoff(attempt, catchUpBase, catchUpMax)) != nil {
			return
		}
	}
	h.isLive.Store(true)
	stop := p.Start(ctx)
	<-ctx.Done()
	stop()
}
