package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusNew, StatusRouted))
	assert.True(t, CanTransition(StatusReadyToSend, StatusSending))
	assert.True(t, CanTransition(StatusError, StatusReadyToSend))
	assert.True(t, CanTransition(StatusSent, StatusReadyToSend))
	assert.True(t, CanTransition(StatusError, StatusLoaded))

	assert.False(t, CanTransition(StatusLoaded, StatusReadyToSend))
	assert.False(t, CanTransition(StatusNew, StatusSent))
	assert.False(t, CanTransition(StatusReadyToSend, StatusLoaded))
}

func TestPriorStatuses(t *testing.T) {
	require.ElementsMatch(t, []BatchStatus{StatusSending, StatusSent, StatusError}, PriorStatuses(StatusLoaded))
	require.ElementsMatch(t, []BatchStatus{StatusRouted, StatusSending, StatusSent, StatusError}, PriorStatuses(StatusReadyToSend))
}

func TestIncomingBatchOutcome(t *testing.T) {
	b := IncomingBatch{Status: IncomingOK}
	assert.Equal(t, ApplyOK, b.Outcome())

	b.FallbackInsertCount = 1
	assert.Equal(t, ApplyPartialFallback, b.Outcome())

	b.Status = IncomingError
	assert.Equal(t, ApplyError, b.Outcome())
}
