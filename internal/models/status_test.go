package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, from := range AllStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAnyOpenStateCanFail(t *testing.T) {
	for _, s := range OpenStatuses {
		assert.True(t, CanTransition(s, StatusFailed))
	}
}

func TestIdleTimeoutRequiresProgress(t *testing.T) {
	assert.False(t, CanTransition(StatusPending, StatusIdleTimeout))
	assert.True(t, CanTransition(StatusProgress, StatusIdleTimeout))
	assert.False(t, CanTransition(StatusPending, StatusUserClosed))
}

func TestOutranks(t *testing.T) {
	assert.True(t, StatusFailed.Outranks(StatusUserClosed))
	assert.True(t, StatusUserClosed.Outranks(StatusExpired))
	assert.False(t, StatusExpired.Outranks(StatusIdleTimeout))
	assert.False(t, StatusIdleTimeout.Outranks(StatusExpired))
	assert.False(t, StatusAgentClosed.Outranks(StatusSupportClosed))
	assert.True(t, StatusExpired.Outranks(StatusProgress))
	assert.False(t, StatusPending.Outranks(StatusProgress))
}
