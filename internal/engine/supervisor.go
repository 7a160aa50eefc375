package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNotBound is returned when streams are spawned before the supervisor runs.
var ErrNotBound = errors.New("supervisor is not running")

// StreamSpec names one (contract, event) stream and its handlers.
type StreamSpec struct {
	Contract string
	Address  common.Address
	Event    string
	Live     Handler
	Backfill Handler
}

// Launcher starts a stream under ctx; the engine supplies one backed by pollers.
type Launcher func(ctx context.Context, spec StreamSpec) (*stream, error)

type seasonStreams struct {
	position *stream
	trades   map[string]*stream
}

// Supervisor owns the per-season listeners: one position stream per season
// and one trade stream per market. Spawning is idempotent, and a season that
// was cleaned up never gets streams again.
type Supervisor struct {
	mu      sync.Mutex
	root    context.Context
	seasons map[uint64]*seasonStreams
	closed  map[uint64]struct{}
	launch  Launcher

	position func(storage.Season) StreamSpec
	trade    func(storage.Market) StreamSpec
	metrics  *metrics.Metrics
}

func newSupervisor(launch Launcher, position func(storage.Season) StreamSpec, trade func(storage.Market) StreamSpec, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		seasons:  map[uint64]*seasonStreams{},
		closed:   map[uint64]struct{}{},
		launch:   launch,
		position: position,
		trade:    trade,
		metrics:  m,
	}
}

// bind sets the context spawned streams live under.
func (s *Supervisor) bind(ctx context.Context) {
	s.mu.Lock()
	s.root = ctx
	s.mu.Unlock()
}

func (s *Supervisor) entry(id uint64) *seasonStreams {
	e, ok := s.seasons[id]
	if !ok {
		e = &seasonStreams{trades: map[string]*stream{}}
		s.seasons[id] = e
	}
	return e
}

// SpawnSeason starts the season's position stream unless it already runs.
func (s *Supervisor) SpawnSeason(_ context.Context, season storage.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return ErrNotBound
	}
	if _, done := s.closed[season.ID]; done {
		return nil
	}
	e := s.entry(season.ID)
	if e.position != nil {
		return nil
	}
	st, err := s.launch(s.root, s.position(season))
	if err != nil {
		return fmt.Errorf("season %d position stream: %w", season.ID, err)
	}
	e.position = st
	s.metrics.ListenersChanged(1)
	return nil
}

// SpawnMarket starts the market's trade stream unless it already runs.
func (s *Supervisor) SpawnMarket(_ context.Context, m storage.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return ErrNotBound
	}
	if _, done := s.closed[m.SeasonID]; done {
		return nil
	}
	e := s.entry(m.SeasonID)
	if _, ok := e.trades[m.Address]; ok {
		return nil
	}
	st, err := s.launch(s.root, s.trade(m))
	if err != nil {
		return fmt.Errorf("market %s trade stream: %w", m.Address, err)
	}
	e.trades[m.Address] = st
	s.metrics.ListenersChanged(1)
	return nil
}

// Cleanup stops and forgets every stream of the season.
func (s *Supervisor) Cleanup(_ context.Context, seasonID uint64) {
	s.mu.Lock()
	e, ok := s.seasons[seasonID]
	delete(s.seasons, seasonID)
	s.closed[seasonID] = struct{}{}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.stopEntry(e)
}

func (s *Supervisor) stopEntry(e *seasonStreams) {
	n := 0
	if e.position != nil {
		e.position.stop()
		n++
	}
	for _, st := range e.trades {
		st.stop()
		n++
	}
	s.metrics.ListenersChanged(-n)
}

// StopAll stops every stream and unbinds the supervisor.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	all := s.seasons
	s.seasons = map[uint64]*seasonStreams{}
	s.root = nil
	s.mu.Unlock()
	for _, e := range all {
		s.stopEntry(e)
	}
}

// Listeners returns the keys of running per-season streams, sorted.
func (s *Supervisor) Listeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.seasons {
		if e.position != nil {
			out = append(out, e.position.key)
		}
		for _, st := range e.trades {
			out = append(out, st.key)
		}
	}
	sort.Strings(out)
	return out
}

func positionSpec(h, backfill Handler) func(storage.Season) StreamSpec {
	return func(season storage.Season) StreamSpec {
		return StreamSpec{
			Contract: contracts.BondingCurve,
			Address:  common.HexToAddress(season.BondingCurve),
			Event:    contracts.EventPositionUpdate,
			Live:     h,
			Backfill: backfill,
		}
	}
}

func tradeSpec(h Handler) func(storage.Market) StreamSpec {
	return func(m storage.Market) StreamSpec {
		return StreamSpec{
			Contract: contracts.Market,
			Address:  common.HexToAddress(m.Address),
			Event:    contracts.EventTrade,
			Live:     h,
		}
	}
}
