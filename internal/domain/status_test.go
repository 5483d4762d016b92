package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRequested, StatusPending, true},
		{StatusRequested, StatusCancelled, true},
		{StatusRequested, StatusFailed, false},
		{StatusRequested, StatusCompleted, false},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusRequested, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
		{StatusPending, StatusPending, false},
		{Status("bogus"), StatusPending, false},
		{StatusPending, Status("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Cancellable(), s)
	}
	for _, s := range []Status{StatusRequested, StatusPending, StatusProcessing} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, StatusPending.Cancellable())
	assert.False(t, StatusProcessing.Cancellable())

	assert.True(t, StatusFailed.Refunds())
	assert.True(t, StatusCancelled.Refunds())
	assert.False(t, StatusCompleted.Refunds())
	assert.False(t, StatusProcessing.Refunds())
}
