package cursor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// Backend is one tier of cursor persistence.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (uint64, bool, error)
	Set(ctx context.Context, key string, block uint64) error
}

// Key names the cursor of one (contract, event) stream.
func Key(contract common.Address, event string) string {
	return strings.ToLower(contract.Hex()) + ":" + event
}

// Tiered reads from the first durable tier that answers and writes through
// every tier. Tier failures are logged and the process keeps going on the
// in-memory copy, so a lost Redis or database costs only a rescan window.
type Tiered struct {
	tiers    []Backend
	mem      *Memory
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewTiered builds a store over tiers in priority order; memory is always last.
func NewTiered(logger *slog.Logger, tiers ...Backend) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{tiers: tiers, mem: NewMemory(), logger: logger}
}

func (t *Tiered) Get(ctx context.Context, key string) (uint64, bool, error) {
	for _, tier := range t.tiers {
		block, ok, err := tier.Get(ctx, key)
		if err != nil {
			t.markDegraded(tier, "get", key, err)
			continue
		}
		if ok {
			_ = t.mem.Set(ctx, key, block)
			return block, true, nil
		}
	}
	return t.mem.Get(ctx, key)
}

func (t *Tiered) Set(ctx context.Context, key string, block uint64) error {
	_ = t.mem.Set(ctx, key, block)
	healthy := true
	for _, tier := range t.tiers {
		if err := tier.Set(ctx, key, block); err != nil {
			healthy = false
			t.markDegraded(tier, "set", key, err)
		}
	}
	if healthy {
		t.degraded.Store(false)
	}
	return nil
}

func (t *Tiered) markDegraded(tier Backend, op, key string, err error) {
	if !t.degraded.Swap(true) {
		t.logger.Warn("cursor tier degraded, continuing in memory", "tier", tier.Name(), "op", op, "listener", key, "error", err)
		return
	}
	t.logger.Debug("cursor tier error", "tier", tier.Name(), "op", op, "listener", key, "error", err)
}

// Healthy reports an error while the last write could not reach every tier.
func (t *Tiered) Healthy(context.Context) error {
	if t.degraded.Load() {
		return errors.New("cursor store degraded")
	}
	return nil
}

// Memory is the ephemeral last-resort tier.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{blocks: map[string]uint64{}}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[key]
	return b, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, block uint64) error {
	m.mu.Lock()
	m.blocks[key] = block
	m.mu.Unlock()
	return nil
}
