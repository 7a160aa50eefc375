package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jsonRPCErr struct{ code int }

func (e jsonRPCErr) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e jsonRPCErr) ErrorCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("invalid params")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("rpc timed out")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, ClassTransient},
		{"http 503 wrapped", fmt.Errorf("filter logs: %w", rpc.HTTPError{StatusCode: 503}), ClassTransient},
		{"http 400", rpc.HTTPError{StatusCode: 400}, ClassTerminal},
		{"jsonrpc limit exceeded", jsonRPCErr{code: -32005}, ClassTransient},
		{"jsonrpc server range", jsonRPCErr{code: -32010}, ClassTransient},
		{"jsonrpc invalid params", jsonRPCErr{code: -32602}, ClassTerminal},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), ClassTransient},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"context deadline", context.DeadlineExceeded, ClassTransient},
		{"context canceled", context.Canceled, ClassTerminal},
		{"rate limit message", errors.New("rate limit exceeded, retry later"), ClassTransient},
		{"reverted", errors.New("execution reverted: not owner"), ClassTerminal},
		{"unknown", errors.New("unexpected failure"), ClassTerminal},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedClass, Classify(tc.err).Class)
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, Backoff(attempt, time.Second, 30*time.Second))
	}
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, got)

	assert.Equal(t, 30*time.Second, Backoff(6, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, Backoff(64, time.Second, 30*time.Second))
	assert.Equal(t, 10*time.Second, Backoff(6, 500*time.Millisecond, 10*time.Second))
	assert.Equal(t, time.Second, Backoff(0, time.Second, 30*time.Second))
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
