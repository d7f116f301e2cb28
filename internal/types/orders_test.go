package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusClassification(t *testing.T) {
	for _, s := range []OrderStatus{StatusDelivered, StatusCancelled, StatusFailed, StatusRefunded} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []OrderStatus{StatusPendingConfirmation, StatusConfirmed, StatusInProgress, StatusShipped} {
		assert.False(t, s.IsTerminal(), s)
		assert.False(t, s.IsSideExit(), s)
	}

	assert.True(t, StatusCancelled.IsSideExit())
	assert.False(t, StatusDelivered.IsSideExit())
}

func TestOrderStatusRank(t *testing.T) {
	assert.Less(t, StatusPendingConfirmation.Rank(), StatusConfirmed.Rank())
	assert.Less(t, StatusConfirmed.Rank(), StatusInProgress.Rank())
	assert.Less(t, StatusInProgress.Rank(), StatusShipped.Rank())
	assert.Less(t, StatusShipped.Rank(), StatusDelivered.Rank())
	assert.Equal(t, StatusDelivered.Rank(), StatusRefunded.Rank())
	assert.Equal(t, -1, StatusCancelled.Rank())
}
