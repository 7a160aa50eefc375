package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/devblac/season-keeper/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultCooldown      = 5 * time.Minute
	DefaultResetInterval = 10 * time.Minute
)

// Failover is an http.RoundTripper that spreads JSON-RPC requests over a
// prioritized endpoint list. An endpoint that answers 429, 403 or 5xx, or
// fails at the transport level, is demoted for the cooldown and the request
// moves on to the next candidate.
type Failover struct {
	endpoints     []*url.URL
	base          http.RoundTripper
	cooldown      time.Duration
	resetInterval time.Duration
	limiter       *rate.Limiter
	demoted       sync.Map // endpoint string -> time.Time (demoted until)
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Failover)

func WithCooldown(d time.Duration) Option {
	return func(f *Failover) {
		if d > 0 {
			f.cooldown = d
		}
	}
}

func WithResetInterval(d time.Duration) Option {
	return func(f *Failover) {
		if d > 0 {
			f.resetInterval = d
		}
	}
}

// WithRateLimit caps outbound requests across all endpoints. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Failover) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithBase(rt http.RoundTripper) Option {
	return func(f *Failover) {
		if rt != nil {
			f.base = rt
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Failover) {
		if now != nil {
			f.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Failover) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Failover) { f.metrics = m }
}

// NewFailover builds a transport over urls, primary first.
func NewFailover(urls []string, opts ...Option) (*Failover, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one rpc endpoint is required")
	}
	f := &Failover{
		base:          http.DefaultTransport,
		cooldown:      DefaultCooldown,
		resetInterval: DefaultResetInterval,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", raw, u.Scheme)
		}
		f.endpoints = append(f.endpoints, u)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Primary returns the first configured endpoint; clients dial it and the
// transport rewrites each request to the current candidate.
func (f *Failover) Primary() string {
	return f.endpoints[0].String()
}

// Candidates returns the non-demoted endpoints in priority order, or every
// endpoint when all are demoted.
func (f *Failover) Candidates() []*url.URL {
	now := f.now()
	out := make([]*url.URL, 0, len(f.endpoints))
	for _, u := range f.endpoints {
		if !f.isDemoted(u.String(), now) {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return append(out, f.endpoints...)
	}
	return out
}

func (f *Failover) isDemoted(key string, now time.Time) bool {
	v, ok := f.demoted.Load(key)
	if !ok {
		return false
	}
	if now.Before(v.(time.Time)) {
		return true
	}
	f.demoted.CompareAndDelete(key, v)
	return false
}

// Demote excludes endpoint from the candidate pool for the cooldown.
func (f *Failover) Demote(endpoint string) {
	f.demoted.Store(endpoint, f.now().Add(f.cooldown))
	f.metrics.EndpointDemoted(endpoint)
	f.logger.Warn("rpc endpoint demoted", "endpoint", endpoint, "cooldown", f.cooldown)
}

// Reset reinstates every endpoint.
func (f *Failover) Reset() {
	f.demoted.Range(func(k, _ any) bool {
		f.demoted.Delete(k)
		return true
	})
}

// Run clears all demotions every reset interval until ctx is done.
func (f *Failover) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.resetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Reset()
			f.logger.Debug("rpc demotions reset")
		}
	}
}

// RoundTrip implements http.RoundTripper.
func (f *Failover) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	var lastErr error
	var lastResp *http.Response
	for _, candidate := range f.Candidates() {
		if f.limiter != nil {
			if err := f.limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
		}
		if lastResp != nil {
			drain(lastResp)
			lastResp = nil
		}

		resp, err := f.base.RoundTrip(rewrite(req, candidate, body))
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			f.Demote(candidate.String())
			continue
		}
		if shouldDemote(resp.StatusCode) {
			lastResp = resp
			f.Demote(candidate.String())
			continue
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func shouldDemote(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusForbidden || status >= 500
}

func rewrite(req *http.Request, target *url.URL, body []byte) *http.Request {
	out := req.Clone(req.Context())
	u := *target
	out.URL = &u
	out.Host = target.Host
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	return out
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
