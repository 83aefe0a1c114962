package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffManager(t *testing.T) {
	b := NewBackoffManager(time.Second, 5*time.Second)
	b.IncreaseInterval()
	assert.Equal(t, 2*time.Second, b.GetInterval())
	b.IncreaseInterval()
	b.IncreaseInterval()
	assert.Equal(t, 5*time.Second, b.GetInterval())
	assert.Equal(t, 3, b.IdleRounds())
	b.ResetInterval()
	assert.Equal(t, time.Second, b.GetInterval())
	assert.Zero(t, b.IdleRounds())
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := NewBackoffManager(time.Second, time.Minute)
	for i := 0; i < 200; i++ {
		d := b.nextWait()
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, 800*time.Millisecond-time.Nanosecond)
	}
	assert.Equal(t, time.Second, b.WithJitter(0).nextWait())
	assert.Equal(t, 1.0, b.WithJitter(7).jitter)
}

func TestTransportBackoff(t *testing.T) {
	b := NewTransportBackoff()
	assert.Equal(t, TransportRetryInterval, b.GetInterval())
	for i := 0; i < 10; i++ {
		b.IncreaseInterval()
	}
	assert.Equal(t, TransportMaxRetryInterval, b.GetInterval())
}

func TestBackoffWaitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewBackoffManager(time.Hour, time.Hour).Wait(ctx), context.Canceled)
	assert.NoError(t, NewBackoffManager(time.Millisecond, time.Millisecond).Wait(context.Background()))
}
