package modules

import (
	"time"

	"golang.org/x/time/rate"
)

// Quota is the shared request budget of the content source: a token bucket
// holding at most capacity tokens, refilled at refillPerSecond. All scrape
// workers draw from the same Quota. rate.Limiter serializes concurrent takes
// behind its own mutex, so the bucket never goes below zero.
type Quota struct {
	limiter *rate.Limiter
	now     func() time.Time
}

type QuotaOption func(*Quota)

// WithQuotaClock replaces time.Now, for tests.
func WithQuotaClock(fn func() time.Time) QuotaOption {
	return func(q *Quota) { q.now = fn }
}

func NewQuota(capacity int, refillPerSecond float64, opts ...QuotaOption) *Quota {
	if capacity < 1 {
		capacity = 1
	}
	q := &Quota{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	// rate.Limiter starts full on first use.
	q.limiter.AllowN(q.now(), 0)
	return q
}

// TryTake takes one token if there is one. It never waits.
func (q *Quota) TryTake() bool {
	return q.limiter.AllowN(q.now(), 1)
}

// Available is the current token balance.
func (q *Quota) Available() float64 {
	return q.limiter.TokensAt(q.now())
}

func (q *Quota) Capacity() int {
	return q.limiter.Burst()
}
