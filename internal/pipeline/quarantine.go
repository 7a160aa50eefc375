package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devblac/season-keeper/internal/alert"
	"github.com/devblac/season-keeper/internal/source/evm"
)

// DefaultMaxLogFailures is how many consecutive deliveries one log may fail
// before its stream moves past it.
const DefaultMaxLogFailures = 10

// Alerter receives per-log failures; *alert.Service implements it.
type Alerter interface {
	RecordFailure(ctx context.Context, key string, f alert.Failure) bool
	RecordSuccess(ctx context.Context, key string)
}

// Quarantine counts consecutive failures per log. A log that reaches the
// limit is reported and skipped so a permanently failing log cannot hold
// its stream's cursor forever. A nil Quarantine never skips.
type Quarantine struct {
	limit  int
	alerts Alerter
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int
}

func NewQuarantine(limit int, alerts Alerter, logger *slog.Logger) *Quarantine {
	if limit <= 0 {
		limit = DefaultMaxLogFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Quarantine{
		limit:  limit,
		alerts: alerts,
		logger: logger.With("component", "quarantine"),
		counts: map[string]int{},
	}
}

func logKey(name string, ev evm.DecodedEvent) string {
	return fmt.Sprintf("log:%s:%s/%d", name, ev.TxHash.Hex(), ev.LogIndex)
}

// Failed records one failed delivery and reports whether the log should now
// be skipped.
func (q *Quarantine) Failed(ctx context.Context, name string, ev evm.DecodedEvent, cause error) bool {
	if q == nil {
		return false
	}
	key := logKey(name, ev)
	q.mu.Lock()
	q.counts[key]++
	n := q.counts[key]
	skip := n >= q.limit
	if skip {
		delete(q.counts, key)
	}
	q.mu.Unlock()

	if q.alerts != nil {
		q.alerts.RecordFailure(ctx, key, alert.Failure{Err: cause, Context: map[string]string{
			"pipeline": name,
			"tx":       ev.TxHash.Hex(),
			"block":    fmt.Sprint(ev.BlockNumber),
			"failures": fmt.Sprint(n),
		}})
	}
	if skip {
		q.logger.Error("skipping log after repeated failures",
			"pipeline", name, "tx", ev.TxHash.Hex(), "log_index", ev.LogIndex, "block", ev.BlockNumber, "failures", n, "error", cause)
	}
	return skip
}

// Succeeded clears the log's failure count.
func (q *Quarantine) Succeeded(ctx context.Context, name string, ev evm.DecodedEvent) {
	if q == nil {
		return
	}
	key := logKey(name, ev)
	q.mu.Lock()
	_, failed := q.counts[key]
	delete(q.counts, key)
	q.mu.Unlock()
	if failed && q.alerts != nil {
		q.alerts.RecordSuccess(ctx, key)
	}
}

// Pending returns how many logs currently have unresolved failures.
func (q *Quarantine) Pending() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.counts)
}
