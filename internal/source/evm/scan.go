package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/devblac/season-keeper/internal/retry"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogClient captures the subset of ethclient used for log polling.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Range is an inclusive block range.
type Range struct {
	From uint64
	To   uint64
}

// Chunks splits [from, to] into consecutive ranges of at most size blocks.
func Chunks(from, to, size uint64) []Range {
	if from > to {
		return nil
	}
	if size == 0 {
		size = 1
	}
	var out []Range
	for start := from; ; start += size {
		end := start + size - 1
		if end > to || end < start {
			end = to
		}
		out = append(out, Range{From: start, To: end})
		if end == to {
			return out
		}
	}
}

// RetryPolicy bounds retries of one chunk fetch on transient errors.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultScanRetry: 5 attempts, backoff 500ms doubling to 10s.
var DefaultScanRetry = RetryPolicy{Attempts: 5, Base: 500 * time.Millisecond, Max: 10 * time.Second}

// Fetcher fetches and decodes one event of one contract per block range.
type Fetcher struct {
	client        LogClient
	address       common.Address
	decoder       *Decoder
	retry         RetryPolicy
	sleep         func(context.Context, time.Duration) error
	onDecodeError func(error)
}

func NewFetcher(client LogClient, address common.Address, decoder *Decoder, policy RetryPolicy) *Fetcher {
	if policy.Attempts <= 0 {
		policy = DefaultScanRetry
	}
	return &Fetcher{
		client:  client,
		address: address,
		decoder: decoder,
		retry:   policy,
		sleep:   retry.Sleep,
	}
}

// OnDecodeError registers a callback for logs that fail to decode; they are skipped.
func (f *Fetcher) OnDecodeError(fn func(error)) { f.onDecodeError = fn }

// Fetch returns the decoded logs of r in (block, log index) order.
func (f *Fetcher) Fetch(ctx context.Context, r Range) (LogBatch, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.From),
		ToBlock:   new(big.Int).SetUint64(r.To),
		Addresses: []common.Address{f.address},
		Topics:    [][]common.Hash{{f.decoder.Topic()}},
	}

	var logs []types.Log
	var err error
	for attempt := 1; ; attempt++ {
		logs, err = f.client.FilterLogs(ctx, q)
		if err == nil {
			break
		}
		if attempt >= f.retry.Attempts || !retry.IsTransient(err) {
			return LogBatch{}, fmt.Errorf("filter logs %d-%d: %w", r.From, r.To, err)
		}
		if serr := f.sleep(ctx, retry.Backoff(attempt, f.retry.Base, f.retry.Max)); serr != nil {
			return LogBatch{}, serr
		}
	}

	slices.SortStableFunc(logs, func(a, b types.Log) int {
		if a.BlockNumber != b.BlockNumber {
			if a.BlockNumber < b.BlockNumber {
				return -1
			}
			return 1
		}
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		}
		return 0
	})

	batch := LogBatch{FromBlock: r.From, ToBlock: r.To}
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := f.decoder.Decode(lg)
		if err != nil {
			if f.onDecodeError != nil {
				f.onDecodeError(fmt.Errorf("decode %s log %s/%d: %w", f.decoder.Name(), lg.TxHash.Hex(), lg.Index, err))
			}
			continue
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch, nil
}

// ChunkError reports the chunk at which a scan stopped.
type ChunkError struct {
	Range Range
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("blocks %d-%d: %v", e.Range.From, e.Range.To, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// ScanRange walks [from, to] in chunks of at most maxRange blocks and calls
// fn once per non-empty chunk. It stops at the first fetch or fn error.
func ScanRange(ctx context.Context, f *Fetcher, from, to, maxRange uint64, fn func(context.Context, LogBatch) error) error {
	for _, r := range Chunks(from, to, maxRange) {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := f.Fetch(ctx, r)
		if err != nil {
			return &ChunkError{Range: r, Err: err}
		}
		if len(batch.Events) == 0 {
			continue
		}
		if err := fn(ctx, batch); err != nil {
			return &ChunkError{Range: r, Err: err}
		}
	}
	return nil
}

// IsStopped reports whether err came from a cancelled poller or context.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
}
