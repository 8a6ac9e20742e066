package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StatePending:   false,
		StateScheduled: false,
		StateReserved:  false,
		StateRunning:   false,
		StateFailed:    false,
		StateRetrying:  false,
		StateSucceeded: true,
		StateDead:      true,
		StateCancelled: true,
	}
	for s, want := range terminal {
		assert.Equal(t, want, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, State("paused").Valid())
}
