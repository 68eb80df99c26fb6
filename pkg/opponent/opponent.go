// Package opponent provides the move source that plays the side of the board the human
// isn't moving for: a UCI engine subprocess, a remote human over a websocket, or a null
// driver for two humans sharing one physical board.
package opponent

import (
	"context"
	"fmt"
	"sync"
)

// State is the opponent's lifecycle state. ERROR is reachable from any non-terminal state.
type State uint8

const (
	Uninitialized State = iota
	Initializing
	Ready
	Thinking
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initializing:
		return "INITIALIZING"
	case Ready:
		return "READY"
	case Thinking:
		return "THINKING"
	case Stopped:
		return "STOPPED"
	default:
		return "ERROR"
	}
}

// Opponent produces moves for one side of the game. Implementations run their own
// goroutines internally; Move blocks until a move is available, ctx is cancelled, or the
// opponent transitions to Stopped/Error.
type Opponent interface {
	// Init brings the opponent from UNINITIALIZED to READY.
	Init(ctx context.Context) error
	// Move requests the opponent's move for the position reached after the given history of
	// UCI moves from the game start. Transitions READY -> THINKING -> READY.
	Move(ctx context.Context, history []string) (string, error)
	// Stop transitions to STOPPED, releasing any subprocess or connection.
	Stop()
	// State returns the current lifecycle state.
	State() State
}

// base provides the shared state machine and guards against invalid transitions.
type base struct {
	mu sync.Mutex
	st State
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *base) transition(to State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = to
}

// transitionFrom moves to `to` only if currently in one of `from`; otherwise returns false
// and leaves the state untouched, so a caller can report a well-formed error instead of
// silently clobbering a concurrent transition.
func (b *base) transitionFrom(to State, from ...State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range from {
		if b.st == f {
			b.st = to
			return true
		}
	}
	return false
}

func (b *base) fail(err error) error {
	b.transition(Error)
	return err
}

// Human is a no-op opponent for two-human games: Move always blocks until ctx is done,
// since the human's move arrives through the game manager's normal field events instead.
type Human struct {
	base
}

// NewHuman constructs a null opponent.
func NewHuman() *Human {
	h := &Human{}
	h.transition(Ready)
	return h
}

func (h *Human) Init(ctx context.Context) error { return nil }

func (h *Human) Move(ctx context.Context, history []string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (h *Human) Stop() { h.transition(Stopped) }

var _ Opponent = (*Human)(nil)

// invalidState builds a uniform error for an Init/Move call made from the wrong lifecycle
// state.
func invalidState(op string, st State) error {
	return fmt.Errorf("opponent: %v invalid in state %v", op, st)
}
