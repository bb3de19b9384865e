package outbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusIsValid(t *testing.T) {
	require.True(t, StatusPending.IsValid())
	require.True(t, StatusProcessed.IsValid())
	require.True(t, StatusFailed.IsValid())
	require.False(t, Status("").IsValid())
	require.False(t, Status("DONE").IsValid())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusProcessed, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusPending, true},

		{StatusPending, StatusPending, false},
		{StatusProcessed, StatusPending, false},
		{StatusProcessed, StatusFailed, false},
		{StatusProcessed, StatusProcessed, false},
		{StatusFailed, StatusProcessed, false},
		{StatusFailed, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"_to_"+tt.to.String(), func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))

			err := ValidateTransition(tt.from, tt.to)
			if tt.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestValidateTransitionRejectsUnknownStatus(t *testing.T) {
	err := ValidateTransition(Status("DONE"), StatusPending)
	require.ErrorIs(t, err, ErrInvalidStatus)

	err = ValidateTransition(StatusPending, Status(""))
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestEventHasTrace(t *testing.T) {
	event := &Event{
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:     "00f067aa0ba902b7",
		TraceFlags: "01",
	}
	require.True(t, event.HasTrace())

	require.False(t, (&Event{}).HasTrace())
	require.False(t, (&Event{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"}).HasTrace())
}

func TestSanitizeErrorForStorage(t *testing.T) {
	require.Empty(t, SanitizeErrorForStorage(nil))
	require.Equal(t, "broker unavailable", SanitizeErrorForStorage(errors.New("  broker unavailable  ")))

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}

	stored := SanitizeErrorForStorage(errors.New(string(long)))
	require.Len(t, []rune(stored), maxStoredErrorLength)
	require.True(t, len(stored) < 2000)
	require.Contains(t, stored, "truncated")
}
