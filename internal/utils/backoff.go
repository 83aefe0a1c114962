package utils

import (
	"context"
	"math/rand/v2"
	"time"
)

// Intervals of the loops that wait on a broker or a peer rather than on a
// database poll
const (
	TransportRetryInterval    = time.Second
	TransportMaxRetryInterval = time.Minute
)

// DefaultJitter is the share of an interval that Wait may shave off so
// workers started together do not poll in lockstep
const DefaultJitter = 0.2

// BackoffManager paces a polling loop. Loops that found work call
// ResetInterval; idle or failing loops call IncreaseInterval, which doubles
// the interval up to the maximum.
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
	jitter          float64
	idle            int
}

// NewBackoffManager initializes a new BackoffManager with the given intervals
// and DefaultJitter.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
		jitter:          DefaultJitter,
	}
}

// NewTransportBackoff paces reconnects of transport receive loops
func NewTransportBackoff() *BackoffManager {
	return NewBackoffManager(TransportRetryInterval, TransportMaxRetryInterval)
}

// WithJitter sets the jittered share of each wait, clamped to [0, 1]
func (b *BackoffManager) WithJitter(fraction float64) *BackoffManager {
	b.jitter = min(max(fraction, 0), 1)
	return b
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IdleRounds returns how many times the interval was increased since the
// last reset
func (b *BackoffManager) IdleRounds() int { return b.idle }

// IncreaseInterval doubles the current interval up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	b.idle++
	b.currentInterval = min(b.currentInterval*2, b.maxInterval)
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.idle = 0
	b.currentInterval = b.initialInterval
}

// nextWait returns the current interval minus a random share of at most
// jitter of it
func (b *BackoffManager) nextWait() time.Duration {
	d := b.currentInterval
	spread := int64(float64(d) * b.jitter)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(rand.Int64N(spread))
}

// Wait sleeps for the jittered current interval or until ctx is done
func (b *BackoffManager) Wait(ctx context.Context) error {
	t := time.NewTimer(b.nextWait())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
