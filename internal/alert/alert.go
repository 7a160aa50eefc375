package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/sink"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 5 * time.Minute
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityRecovery = "recovery"
)

// Failure describes one failed operation for a key.
type Failure struct {
	Err     error
	Context map[string]string
}

// Record tracks consecutive failures for one key. It lives only in memory.
type Record struct {
	Key              string
	ConsecutiveCount uint32
	LastErrorMessage string
	LastAlertAt      *time.Time
}

type Option func(*Service)

func WithThreshold(n uint32) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSinks delivers alerts to every sender, in id order.
func WithSinks(senders map[string]sink.Sender) Option {
	return func(s *Service) {
		ids := make([]string, 0, len(senders))
		for id := range senders {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s.sinks = append(s.sinks, namedSender{id: id, sender: senders[id]})
		}
	}
}

type namedSender struct {
	id     string
	sender sink.Sender
}

// Service escalates repeated failures per key to admin sinks, with a per-key
// cooldown between alerts.
type Service struct {
	mu      sync.Mutex
	records map[string]*Record

	threshold uint32
	cooldown  time.Duration
	now       func() time.Time
	sinks     []namedSender
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(opts ...Option) *Service {
	s := &Service{
		records:   map[string]*Record{},
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "alert")
	return s
}

// RecordFailure bumps the key's counter and reports whether an alert was emitted.
func (s *Service) RecordFailure(ctx context.Context, key string, f Failure) bool {
	errMsg := "unknown error"
	if f.Err != nil {
		errMsg = f.Err.Error()
	}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Key: key}
		s.records[key] = rec
	}
	rec.ConsecutiveCount++
	rec.LastErrorMessage = errMsg
	count := rec.ConsecutiveCount

	now := s.now()
	emit := count >= s.threshold && (rec.LastAlertAt == nil || now.Sub(*rec.LastAlertAt) >= s.cooldown)
	if emit {
		rec.LastAlertAt = &now
	}
	s.mu.Unlock()

	s.logger.Warn("failure recorded", "subject", key, "count", count, "error", errMsg)
	if !emit {
		return false
	}

	severity := SeverityWarning
	if count > 2*s.threshold {
		severity = SeverityCritical
	}
	s.dispatch(ctx, sink.Message{
		Severity: severity,
		Key:      key,
		Title:    fmt.Sprintf("%s failing", key),
		Text:     fmt.Sprintf("%d consecutive failures, last error: %s", count, errMsg),
		Count:    count,
		Time:     now,
		Fields:   f.Context,
	})
	return true
}

// RecordSuccess clears the key and sends a recovery notice if it had failures.
func (s *Service) RecordSuccess(ctx context.Context, key string) {
	s.mu.Lock()
	rec, ok := s.records[key]
	var prev uint32
	if ok {
		prev = rec.ConsecutiveCount
		delete(s.records, key)
	}
	s.mu.Unlock()

	if prev == 0 {
		return
	}
	s.logger.Info("recovered", "subject", key, "after_failures", prev)
	s.dispatch(ctx, sink.Message{
		Severity: SeverityRecovery,
		Key:      key,
		Title:    fmt.Sprintf("%s recovered", key),
		Text:     fmt.Sprintf("succeeded after %d consecutive failures", prev),
		Count:    prev,
		Time:     s.now(),
	})
}

func (s *Service) FailureCount(key string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return rec.ConsecutiveCount
	}
	return 0
}

// Records returns a copy of all failing keys, sorted by key.
func (s *Service) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		if rec.LastAlertAt != nil {
			t := *rec.LastAlertAt
			cp.LastAlertAt = &t
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Service) dispatch(ctx context.Context, msg sink.Message) {
	level := slog.LevelWarn
	if msg.Severity == SeverityCritical {
		level = slog.LevelError
	} else if msg.Severity == SeverityRecovery {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "admin alert", "severity", msg.Severity, "subject", msg.Key, "text", msg.Text)
	s.metrics.AlertSent(msg.Severity)

	for _, ns := range s.sinks {
		if err := ns.sender.Send(ctx, msg); err != nil {
			s.metrics.AlertDropped()
			s.logger.Warn("alert delivery failed", "sink", ns.id, "subject", msg.Key, "error", err)
		}
	}
}
