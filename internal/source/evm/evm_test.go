package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devblac/season-keeper/internal/retry"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const pingABI = `[
	{"type":"event","name":"Ping","inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"who","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"Other","inputs":[
		{"name":"id","type":"uint256","indexed":true}
	]}
]`

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")

func mustABI(t *testing.T) *abi.ABI {
	t.Helper()
	a, err := abi.JSON(strings.NewReader(pingABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &a
}

func mustDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(mustABI(t), "Ping")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return d
}

func pingLog(t *testing.T, block uint64, index uint, id, value int64) types.Log {
	t.Helper()
	a := mustABI(t)
	ev := a.Events["Ping"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(value))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     contractAddr,
		Topics:      []common.Hash{ev.ID, common.BigToHash(big.NewInt(id)), common.BytesToHash(common.HexToAddress("0xbeef").Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
	}
}

// fakeChain serves FilterLogs by block range like a node would.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	queries  []Range
	failures []error
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queries = append(f.queries, Range{From: from, To: to})
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	var out []types.Log
	// Return in reverse so ordering is exercised.
	for i := len(f.logs) - 1; i >= 0; i-- {
		lg := f.logs[i]
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && lg.Address != q.Addresses[0] {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && lg.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

type memCursor struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func newMemCursor() *memCursor { return &memCursor{blocks: map[string]uint64{}} }

func (m *memCursor) Get(_ context.Context, key string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[key]
	return b, ok, nil
}

func (m *memCursor) Set(_ context.Context, key string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[key] = block
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []DecodedEvent
}

func (r *recorder) handle(_ context.Context, b LogBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, b.Events...)
	return nil
}

func (r *recorder) blocks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.BlockNumber)
	}
	return out
}

func zero() *uint64 {
	var z uint64
	return &z
}

func TestChunks(t *testing.T) {
	got := Chunks(10, 25, 7)
	want := []Range{{10, 16}, {17, 23}, {24, 25}}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
	if Chunks(5, 4, 10) != nil {
		t.Fatalf("empty range should yield no chunks")
	}
	if got := Chunks(3, 3, 100); len(got) != 1 || got[0] != (Range{3, 3}) {
		t.Fatalf("single block = %v", got)
	}
}

func TestDecoderDecodesIndexedAndData(t *testing.T) {
	d := mustDecoder(t)
	ev, err := d.Decode(pingLog(t, 12, 4, 7, 900))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Name != "Ping" || ev.BlockNumber != 12 || ev.LogIndex != 4 || ev.Contract != contractAddr {
		t.Fatalf("unexpected meta: %+v", ev)
	}
	id, err := ev.Uint64("id")
	if err != nil || id != 7 {
		t.Fatalf("id=%d err=%v", id, err)
	}
	v, err := ev.BigInt("value")
	if err != nil || v.Int64() != 900 {
		t.Fatalf("value=%v err=%v", v, err)
	}
	who, err := ev.Address("who")
	if err != nil || who != common.HexToAddress("0xbeef") {
		t.Fatalf("who=%s err=%v", who, err)
	}
	if _, err := ev.Bool("value"); err == nil {
		t.Fatalf("expected type error")
	}
	if _, err := ev.Uint64("missing"); err == nil {
		t.Fatalf("expected missing arg error")
	}

	other := pingLog(t, 1, 0, 1, 1)
	other.Topics[0] = mustABI(t).Events["Other"].ID
	if _, err := d.Decode(other); err == nil {
		t.Fatalf("expected topic mismatch error")
	}
	if _, err := NewDecoder(mustABI(t), "Nope"); err == nil {
		t.Fatalf("expected unknown event error")
	}
}

func TestParseABIAcceptsArtifacts(t *testing.T) {
	a, err := ParseABI([]byte(`{"contractName":"X","abi":` + pingABI + `}`))
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	if _, ok := a.Events["Ping"]; !ok {
		t.Fatalf("ping event missing")
	}
	if _, err := ParseABI([]byte(`{"bytecode":"0x"}`)); err == nil {
		t.Fatalf("expected error for artifact without abi")
	}
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	fc := &fakeChain{
		head:     10,
		logs:     []types.Log{pingLog(t, 3, 1, 1, 1), pingLog(t, 3, 0, 1, 2), pingLog(t, 2, 5, 1, 3)},
		failures: []error{retry.Transient(errors.New("429")), errors.New("connection reset by peer")},
	}
	f := NewFetcher(fc, contractAddr, mustDecoder(t), RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond})
	var slept int
	f.sleep = func(context.Context, time.Duration) error { slept++; return nil }

	batch, err := f.Fetch(context.Background(), Range{0, 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if slept != 2 {
		t.Fatalf("expected 2 backoffs, got %d", slept)
	}
	if len(batch.Events) != 3 {
		t.Fatalf("events = %d", len(batch.Events))
	}
	order := [][2]uint64{{2, 5}, {3, 0}, {3, 1}}
	for i, want := range order {
		ev := batch.Events[i]
		if ev.BlockNumber != want[0] || uint64(ev.LogIndex) != want[1] {
			t.Fatalf("event %d at %d/%d, want %v", i, ev.BlockNumber, ev.LogIndex, want)
		}
	}
}

func TestFetchStopsOnTerminalError(t *testing.T) {
	fc := &fakeChain{failures: []error{errors.New("invalid params")}}
	f := NewFetcher(fc, contractAddr, mustDecoder(t), RetryPolicy{Attempts: 5, Base: time.Millisecond, Max: time.Millisecond})
	f.sleep = func(context.Context, time.Duration) error { t.Fatalf("terminal error must not retry"); return nil }
	if _, err := f.Fetch(context.Background(), Range{0, 1}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFetchSkipsRemovedAndUndecodableLogs(t *testing.T) {
	removed := pingLog(t, 4, 0, 1, 1)
	removed.Removed = true
	broken := pingLog(t, 5, 0, 1, 1)
	broken.Data = []byte{0x01}
	fc := &fakeChain{logs: []types.Log{removed, broken, pingLog(t, 6, 0, 1, 1)}}

	var decodeErrs int
	f := NewFetcher(fc, contractAddr, mustDecoder(t), RetryPolicy{})
	f.OnDecodeError(func(error) { decodeErrs++ })
	batch, err := f.Fetch(context.Background(), Range{0, 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].BlockNumber != 6 || decodeErrs != 1 {
		t.Fatalf("events=%+v decodeErrs=%d", batch.Events, decodeErrs)
	}
}

func TestPollerChunkingIsInvisible(t *testing.T) {
	logs := []types.Log{
		pingLog(t, 5, 0, 1, 1),
		pingLog(t, 150, 2, 1, 2),
		pingLog(t, 150, 1, 1, 3),
		pingLog(t, 151, 0, 1, 4),
		pingLog(t, 990, 0, 1, 5),
	}

	run := func(maxRange uint64) ([]uint64, uint64, int) {
		fc := &fakeChain{head: 1000, logs: logs}
		rec := &recorder{}
		cur := newMemCursor()
		p, err := NewPoller(fc, PollerConfig{
			Key: "k", Address: contractAddr, Decoder: mustDecoder(t),
			StartBlock: zero(), MaxBlockRange: maxRange, Cursor: cur, Handle: rec.handle,
		})
		if err != nil {
			t.Fatalf("poller: %v", err)
		}
		if err := p.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		block, _, _ := cur.Get(context.Background(), "k")
		return rec.blocks(), block, len(fc.queries)
	}

	wide, wideCursor, wideQueries := run(2000)
	narrow, narrowCursor, narrowQueries := run(7)

	if wideQueries != 1 || narrowQueries != 143 {
		t.Fatalf("queries wide=%d narrow=%d", wideQueries, narrowQueries)
	}
	if wideCursor != 1000 || narrowCursor != 1000 {
		t.Fatalf("cursor wide=%d narrow=%d", wideCursor, narrowCursor)
	}
	if len(wide) != 5 || len(wide) != len(narrow) {
		t.Fatalf("wide=%v narrow=%v", wide, narrow)
	}
	for i := range wide {
		if wide[i] != narrow[i] {
			t.Fatalf("order differs at %d: wide=%v narrow=%v", i, wide, narrow)
		}
	}
}

func TestPollerResumesFromCursor(t *testing.T) {
	fc := &fakeChain{head: 100, logs: []types.Log{pingLog(t, 50, 0, 1, 1), pingLog(t, 150, 0, 1, 2)}}
	cur := newMemCursor()
	cfg := PollerConfig{Key: "k", Address: contractAddr, Decoder: mustDecoder(t), StartBlock: zero(), Cursor: cur}

	first := &recorder{}
	cfg.Handle = first.handle
	p1, err := NewPoller(fc, cfg)
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	if err := p1.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// A restarted poller has no explicit start and must pick up after the cursor.
	fc.setHead(200)
	second := &recorder{}
	cfg.StartBlock = nil
	cfg.Handle = second.handle
	p2, err := NewPoller(fc, cfg)
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	if err := p2.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := first.blocks(); len(got) != 1 || got[0] != 50 {
		t.Fatalf("first run saw %v", got)
	}
	if got := second.blocks(); len(got) != 1 || got[0] != 150 {
		t.Fatalf("second run saw %v", got)
	}
	if p2.Next() != 201 {
		t.Fatalf("next = %d", p2.Next())
	}
}

func TestPollerHandlerErrorHoldsCursor(t *testing.T) {
	fc := &fakeChain{head: 250, logs: []types.Log{pingLog(t, 5, 0, 1, 1), pingLog(t, 150, 0, 1, 2)}}
	cur := newMemCursor()
	fail := true
	var seen []uint64
	p, err := NewPoller(fc, PollerConfig{
		Key: "k", Address: contractAddr, Decoder: mustDecoder(t), StartBlock: zero(),
		MaxBlockRange: 100, Cursor: cur,
		Handle: func(_ context.Context, b LogBatch) error {
			if b.FromBlock == 100 && fail {
				return errors.New("db down")
			}
			for _, e := range b.Events {
				seen = append(seen, e.BlockNumber)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}

	err = p.Tick(context.Background())
	var ce *ChunkError
	if !errors.As(err, &ce) || ce.Range != (Range{100, 199}) {
		t.Fatalf("expected chunk error for 100-199, got %v", err)
	}
	if block, _, _ := cur.Get(context.Background(), "k"); block != 99 {
		t.Fatalf("cursor = %d, want 99", block)
	}

	fail = false
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if block, _, _ := cur.Get(context.Background(), "k"); block != 250 {
		t.Fatalf("cursor = %d, want 250", block)
	}
	if len(seen) != 2 || seen[0] != 5 || seen[1] != 150 {
		t.Fatalf("seen = %v", seen)
	}
}

func TestPollerWithoutCursorStartsAtHead(t *testing.T) {
	fc := &fakeChain{head: 500, logs: []types.Log{pingLog(t, 400, 0, 1, 1), pingLog(t, 501, 0, 1, 2)}}
	rec := &recorder{}
	p, err := NewPoller(fc, PollerConfig{Key: "k", Address: contractAddr, Decoder: mustDecoder(t), Cursor: newMemCursor(), Handle: rec.handle})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	fc.setHead(501)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := rec.blocks(); len(got) != 1 || got[0] != 501 {
		t.Fatalf("saw %v", got)
	}
}

func TestPollerCatchUpUsesLookback(t *testing.T) {
	fc := &fakeChain{head: 1000, logs: []types.Log{pingLog(t, 100, 0, 1, 1), pingLog(t, 950, 0, 1, 2)}}
	rec := &recorder{}
	cur := newMemCursor()
	p, err := NewPoller(fc, PollerConfig{Key: "k", Address: contractAddr, Decoder: mustDecoder(t), Cursor: cur, Handle: rec.handle})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	if err := p.CatchUp(context.Background(), 100); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if got := rec.blocks(); len(got) != 1 || got[0] != 950 {
		t.Fatalf("saw %v", got)
	}
	if block, ok, _ := cur.Get(context.Background(), "k"); !ok || block != 1000 {
		t.Fatalf("cursor = %d ok=%v", block, ok)
	}
	if p.Next() != 1001 {
		t.Fatalf("next = %d", p.Next())
	}
}

func TestPollerStartAndCancel(t *testing.T) {
	fc := &fakeChain{head: 10, logs: []types.Log{pingLog(t, 3, 0, 1, 1)}}
	handled := make(chan struct{}, 1)
	p, err := NewPoller(fc, PollerConfig{
		Key: "k", Address: contractAddr, Decoder: mustDecoder(t), StartBlock: zero(),
		Interval: 5 * time.Millisecond, Cursor: newMemCursor(),
		Handle: func(context.Context, LogBatch) error {
			select {
			case handled <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	cancel := p.Start(context.Background())
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}
	cancel()
	cancel()
	if err := p.Tick(context.Background()); !IsStopped(err) {
		t.Fatalf("tick after cancel = %v", err)
	}
}

func TestNewPollerValidates(t *testing.T) {
	if _, err := NewPoller(&fakeChain{}, PollerConfig{Key: "k"}); err == nil {
		t.Fatalf("expected error for missing decoder")
	}
	if _, err := NewPoller(nil, PollerConfig{}); err == nil {
		t.Fatalf("expected error for missing client")
	}
}
