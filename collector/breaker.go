package collector

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	// Fetches are short-circuited until the cooldown elapses.
	BreakerOpen
	// A single trial fetch is allowed.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = time.Minute
	DefaultBreakerMaxCooldown = time.Hour
)

// Breaker guards fetches of one community. Each failed half-open trial
// doubles the cooldown, up to maxCooldown. Closing resets it.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	baseCool    time.Duration
	maxCooldown time.Duration
	cooldown    time.Duration
	openedAt    time.Time
	trialActive bool
	now         func() time.Time
}

type BreakerOption func(*Breaker)

func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

func WithBreakerCooldown(initial, max time.Duration) BreakerOption {
	return func(b *Breaker) {
		if initial > 0 {
			b.baseCool = initial
		}
		if max >= b.baseCool {
			b.maxCooldown = max
		}
	}
}

// WithBreakerClock injects the clock, for tests.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:       BreakerClosed,
		threshold:   DefaultBreakerThreshold,
		baseCool:    DefaultBreakerCooldown,
		maxCooldown: DefaultBreakerMaxCooldown,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.maxCooldown < b.baseCool {
		b.maxCooldown = b.baseCool
	}
	b.cooldown = b.baseCool
	return b
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a fetch may start now. In HalfOpen only the first
// caller gets true until that trial is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	}
	return false
}

// Blocked reports whether Allow would refuse, without claiming the trial.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state == BreakerOpen || (b.state == BreakerHalfOpen && b.trialActive)
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.cooldown = b.baseCool
	b.trialActive = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.open()
	}
	b.trialActive = false
}

// Abandon gives back a claimed half-open trial without recording an outcome,
// for attempts that ended for reasons unrelated to the upstream.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialActive = false
}

// OpenUntil returns when an open breaker moves to HalfOpen, zero otherwise.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cooldown)
}

func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Must be called with mu held.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
}

// Must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.trialActive = false
	}
}

// BreakerSet lazily creates one breaker per community, all sharing the same
// options.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []BreakerOption
}

func NewBreakerSet(opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker), opts: opts}
}

func (s *BreakerSet) Get(communityId string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[communityId]
	if !ok {
		b = NewBreaker(s.opts...)
		s.breakers[communityId] = b
	}
	return b
}

// Blocked reports whether the community's breaker currently refuses fetches.
func (s *BreakerSet) Blocked(communityId string) bool {
	return s.Get(communityId).Blocked()
}
