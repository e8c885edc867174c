package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExhausted is returned by Acquire once the request budget is
// spent. Fetchers treat it as the signal to stop and return partial results.
var ErrBudgetExhausted = errors.New("fetch: budget exhausted")

// Meter enforces a fetch budget cooperatively: every remote request the
// fetcher makes passes through Acquire, which counts requests, paces them
// against a rate limit derived from the stored API budget, and bounds
// concurrent requests.
type Meter struct {
	deadline time.Time
	requests int64
	used     atomic.Int64
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
}

// MeterOptions configures a Meter.
type MeterOptions struct {
	// RequestsPerSecond paces remote calls; 0 means unpaced.
	RequestsPerSecond float64

	// MaxInflight bounds concurrent remote calls; 0 defaults to 1.
	MaxInflight int64
}

// NewMeter builds a meter for one fetch call.
func NewMeter(budget Budget, optFns ...func(o *MeterOptions)) *Meter {
	opts := MeterOptions{MaxInflight: 1}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 1
	}

	m := &Meter{
		requests: int64(budget.MaxRequests),
		inflight: semaphore.NewWeighted(opts.MaxInflight),
	}
	if budget.MaxDuration > 0 {
		m.deadline = time.Now().Add(budget.MaxDuration)
	}
	if opts.RequestsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return m
}

// Acquire reserves one request slot. It returns ErrBudgetExhausted when the
// request or duration budget is spent, and the context error on
// cancellation. Release must be called when the request finishes.
func (m *Meter) Acquire(ctx context.Context) error {
	if m.Exhausted() {
		return ErrBudgetExhausted
	}
	if n := m.used.Add(1); m.requests > 0 && n > m.requests {
		return ErrBudgetExhausted
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return m.inflight.Acquire(ctx, 1)
}

// Release returns an in-flight slot.
func (m *Meter) Release() {
	m.inflight.Release(1)
}

// Exhausted reports whether the budget is spent.
func (m *Meter) Exhausted() bool {
	if !m.deadline.IsZero() && time.Now().After(m.deadline) {
		return true
	}
	return m.requests > 0 && m.used.Load() >= m.requests
}

// Used returns the number of requests consumed so far.
func (m *Meter) Used() int64 { return m.used.Load() }
