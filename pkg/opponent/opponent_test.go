package opponent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanMoveBlocksUntilCancelled(t *testing.T) {
	h := NewHuman()
	require.Equal(t, Ready, h.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Move(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHumanStopTransitionsToStopped(t *testing.T) {
	h := NewHuman()
	h.Stop()
	assert.Equal(t, Stopped, h.State())
}

func TestBaseTransitionFromRejectsWrongState(t *testing.T) {
	var b base
	b.transition(Ready)

	ok := b.transitionFrom(Thinking, Uninitialized)
	assert.False(t, ok)
	assert.Equal(t, Ready, b.State())

	ok = b.transitionFrom(Thinking, Ready)
	assert.True(t, ok)
	assert.Equal(t, Thinking, b.State())
}

func TestBaseFailTransitionsToError(t *testing.T) {
	var b base
	b.transition(Ready)
	err := b.fail(assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, Error, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "READY", Ready.String())
	assert.Equal(t, "ERROR", Error.String())
}
