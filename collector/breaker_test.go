package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < 4; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
	assert.True(t, b.Blocked())

	clock.Advance(DefaultBreakerCooldown - time.Second)
	assert.False(t, b.Allow())

	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Blocked())
	assert.True(t, b.Allow())
	// only one trial at a time
	assert.False(t, b.Allow())
	assert.True(t, b.Blocked())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedTrialDoublesCooldownUpToCap(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(
		WithBreakerThreshold(1),
		WithBreakerCooldown(time.Minute, 3*time.Minute),
		WithBreakerClock(clock.Now),
	)

	b.RecordFailure()
	assert.Equal(t, time.Minute, b.Cooldown())

	expected := []time.Duration{2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	for _, want := range expected {
		clock.Advance(b.Cooldown())
		assert.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, BreakerOpen, b.State())
		assert.Equal(t, want, b.Cooldown())
		assert.Equal(t, clock.Now().Add(want), b.OpenUntil())
	}

	clock.Advance(b.Cooldown())
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, time.Minute, b.Cooldown())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker(WithBreakerThreshold(3))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_AbandonReleasesTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(WithBreakerThreshold(1), WithBreakerClock(clock.Now))
	b.RecordFailure()
	clock.Advance(DefaultBreakerCooldown)

	assert.True(t, b.Allow())
	b.Abandon()
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerSet_PerCommunity(t *testing.T) {
	set := NewBreakerSet(WithBreakerThreshold(1))
	set.Get("a").RecordFailure()
	assert.True(t, set.Blocked("a"))
	assert.False(t, set.Blocked("b"))
	assert.Same(t, set.Get("a"), set.Get("a"))
}
