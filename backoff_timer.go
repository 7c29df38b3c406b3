package nsq

import "time"

// BackoffTimer is a two-phase (short/long) exponential-ish backoff
// counter. It is not safe to mutate concurrently; callers are expected
// to serialize access to it (the Consumer holds its backoffMtx).
//
// The externally visible interval is the sum of the short and long
// components, each clamped to its own maximum; failure() moves both
// toward their caps in one unit step, success() moves both toward zero.
// The short component has the smaller cap (1/4 of the envelope) but the
// much larger step (10 steps to its cap), so it reacts quickly to a
// burst; the long component has the larger cap (3/4) but a much smaller
// step (250 steps), so sustained failure builds it up and recovery
// unwinds it slowly.
type BackoffTimer struct {
	minInterval time.Duration
	maxInterval time.Duration

	maxShortTimer time.Duration
	maxLongTimer  time.Duration

	shortUnit time.Duration
	longUnit  time.Duration

	shortInterval time.Duration
	longInterval  time.Duration
}

// NewBackoffTimer creates a BackoffTimer bounded by [minInterval,
// maxInterval]. The envelope above minInterval is split into a short
// component (1/4 of the envelope, stepped in shortLength increments) and
// a long component (3/4 of the envelope, stepped in longLength
// increments).
func NewBackoffTimer(minInterval time.Duration, maxInterval time.Duration) *BackoffTimer {
	b := &BackoffTimer{
		minInterval: minInterval,
		maxInterval: maxInterval,
	}
	b.setMaxes(maxInterval-minInterval, 0.25, 10, 250)
	return b
}

func (b *BackoffTimer) setMaxes(envelope time.Duration, ratio float64, shortLength, longLength int) {
	b.maxShortTimer = time.Duration(float64(envelope) * ratio)
	b.maxLongTimer = envelope - b.maxShortTimer

	b.shortUnit = b.maxShortTimer / time.Duration(shortLength)
	b.longUnit = b.maxLongTimer / time.Duration(longLength)
}

// Success decrements both components toward zero, one unit each
func (b *BackoffTimer) Success() {
	b.shortInterval -= b.shortUnit
	if b.shortInterval < 0 {
		b.shortInterval = 0
	}

	b.longInterval -= b.longUnit
	if b.longInterval < 0 {
		b.longInterval = 0
	}
}

// Failure increments both components toward their caps, one unit each
func (b *BackoffTimer) Failure() {
	b.shortInterval += b.shortUnit
	if b.shortInterval > b.maxShortTimer {
		b.shortInterval = b.maxShortTimer
	}

	b.longInterval += b.longUnit
	if b.longInterval > b.maxLongTimer {
		b.longInterval = b.maxLongTimer
	}
}

// GetInterval returns the current backoff interval
func (b *BackoffTimer) GetInterval() time.Duration {
	return b.minInterval + b.shortInterval + b.longInterval
}

// IsReset reports whether the timer has fully recovered (interval == 0
// above minInterval)
func (b *BackoffTimer) IsReset() bool {
	return b.shortInterval == 0 && b.longInterval == 0
}
