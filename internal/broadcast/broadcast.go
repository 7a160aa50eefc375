// Package broadcast publishes fire-and-forget notifications about processed
// events to UI consumers. Delivery never affects pipeline outcomes.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

const (
	EventSeasonStarted    = "season_started"
	EventSeasonCompleted  = "season_completed"
	EventPositionUpdated  = "position_updated"
	EventMarketCreated    = "market_created"
	EventProbabilityMoved = "probability_updated"
	EventSentimentMoved   = "sentiment_updated"
)

// Notifier publishes an event; implementations must not block for long and
// must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]any) {}

// LogNotifier writes notifications to the structured log at debug level.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, eventType string, payload map[string]any) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2+2*len(payload))
	attrs = append(attrs, "event", eventType)
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	logger.DebugContext(ctx, "broadcast", attrs...)
}

// Recorder keeps notifications in memory; used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

type Recorded struct {
	Type    string
	Payload map[string]any
}

func (r *Recorder) Notify(_ context.Context, eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Type: eventType, Payload: payload})
}

// Types returns recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}
