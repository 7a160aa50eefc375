package gasless

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/logging"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySponsor struct {
	mu    sync.Mutex
	fails int
	args  [][]any
}

func (f *flakySponsor) Write(_ context.Context, _ chain.Contract, method string, args ...any) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, args)
	if f.fails > 0 {
		f.fails--
		return common.Hash{}, errors.New("paymaster rejected")
	}
	return common.HexToHash("0x1234"), nil
}

type memFailures struct {
	mu   sync.Mutex
	rows []storage.FailedAttempt
}

func (m *memFailures) InsertFailedAttempt(_ context.Context, fa storage.FailedAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, fa)
	return nil
}

type slowWaiter struct {
	release chan struct{}
	done    chan struct{}
}

func (w *slowWaiter) WaitForReceipt(context.Context, common.Hash, time.Duration) (*chain.Receipt, error) {
	<-w.release
	close(w.done)
	return &chain.Receipt{Status: 1, BlockNumber: 9}, nil
}

func newTestService(t *testing.T, sponsor chain.Writer, waiter chain.ReceiptWaiter, failures FailureLog) (*Service, *[]time.Duration) {
	t.Helper()
	return newTestServiceWith(t, Config{}, sponsor, waiter, failures)
}

func newTestServiceWith(t *testing.T, cfg Config, sponsor chain.Writer, waiter chain.ReceiptWaiter, failures FailureLog) (*Service, *[]time.Duration) {
	t.Helper()
	svc, err := New(cfg, Deps{
		Sponsor:  sponsor,
		Waiter:   waiter,
		Factory:  chain.Contract{Name: "MarketFactory", Address: common.HexToAddress("0xfac")},
		Failures: failures,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	var slept []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return svc, &slept
}

var player = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func TestSubmitRetriesOnFixedSchedule(t *testing.T) {
	sponsor := &flakySponsor{fails: 2}
	failures := &memFailures{}
	svc, slept := newTestService(t, sponsor, nil, failures)

	res := svc.Submit(context.Background(), Intent{Source: "position-update", SeasonID: 7, Player: player, MarketType: "WINNER_PREDICTION"})
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second}, *slept)

	require.Len(t, failures.rows, 2)
	for i, row := range failures.rows {
		assert.Equal(t, "position-update", row.Source)
		assert.Equal(t, uint64(7), row.SeasonID)
		assert.Equal(t, storage.Addr(player), row.Player)
		assert.Equal(t, "createMarket", row.FunctionName)
		assert.Equal(t, i+1, row.Attempt)
	}
	svc.Wait()
}

func TestSubmitGivesUpAfterThreeAttempts(t *testing.T) {
	sponsor := &flakySponsor{fails: 100}
	failures := &memFailures{}
	svc, slept := newTestService(t, sponsor, nil, failures)

	res := svc.Submit(context.Background(), Intent{Source: "backfill", SeasonID: 1, Player: player, MarketType: "WINNER_PREDICTION"})
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second}, *slept)
	assert.Len(t, failures.rows, 3)
	assert.ErrorContains(t, res.Err, "paymaster rejected")
}

func TestSubmitLongerBudgetUsesWholeSchedule(t *testing.T) {
	sponsor := &flakySponsor{fails: 100}
	svc, slept := newTestServiceWith(t, Config{MaxAttempts: 5}, sponsor, nil, &memFailures{})

	res := svc.Submit(context.Background(), Intent{Source: "backfill", SeasonID: 1, Player: player, MarketType: "WINNER_PREDICTION"})
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second, 45 * time.Second}, *slept)
}

func TestSubmitDoesNotBlockOnConfirmation(t *testing.T) {
	waiter := &slowWaiter{release: make(chan struct{}), done: make(chan struct{})}
	svc, _ := newTestService(t, &flakySponsor{}, waiter, nil)

	res := svc.Submit(context.Background(), Intent{Source: "position-update", SeasonID: 2, Player: player, MarketType: "WINNER_PREDICTION"})
	require.True(t, res.Success)

	select {
	case <-waiter.done:
		t.Fatalf("confirmation finished before release")
	default:
	}
	close(waiter.release)
	svc.Wait()
	select {
	case <-waiter.done:
	default:
		t.Fatalf("Wait returned before confirmation finished")
	}
}

func TestSubmitValidatesIntent(t *testing.T) {
	sponsor := &flakySponsor{}
	svc, _ := newTestService(t, sponsor, nil, nil)
	res := svc.Submit(context.Background(), Intent{MarketType: "WINNER_PREDICTION"})
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Attempts)
	assert.Empty(t, sponsor.args)
}
