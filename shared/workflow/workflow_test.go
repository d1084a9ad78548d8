package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(OutboxPending, OutboxSending))
	assert.True(t, CanTransition(OutboxSending, OutboxDelivered))
	assert.True(t, CanTransition(OutboxSending, OutboxPending), "retry")
	assert.True(t, CanTransition(" Sending ", OutboxDead))
	assert.True(t, CanTransition(OutboxDead, OutboxDead))

	assert.False(t, CanTransition(OutboxDelivered, OutboxSending))
	assert.False(t, CanTransition(OutboxDead, OutboxPending))
	assert.False(t, CanTransition(OutboxPending, OutboxDelivered), "rows are claimed before delivery")
	assert.False(t, CanTransition("bogus", OutboxSending))
}

func TestIsTerminal(t *testing.T) {
	for _, s := range AllStatuses() {
		want := s == OutboxDelivered || s == OutboxDead
		assert.Equal(t, want, IsTerminal(s), s)
	}
	assert.True(t, IsTerminal("DELIVERED"))
}
