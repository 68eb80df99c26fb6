package opponent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMain re-execs the test binary itself as a minimal UCI engine when invoked with the
// sentinel env var, so Engine's subprocess handling can be exercised without depending on a
// real chess engine being installed.
func TestMain(m *testing.M) {
	if os.Getenv("OPPONENT_FAKE_ENGINE") == "1" {
		runFakeEngine()
		return
	}
	os.Exit(m.Run())
}

func runFakeEngine() {
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		switch line := in.Text(); {
		case line == "uci":
			fmt.Println("id name fake")
			fmt.Println("uciok")
		case line == "isready":
			fmt.Println("readyok")
		case line == "quit":
			return
		case len(line) >= 2 && line[:2] == "go":
			fmt.Println("bestmove e2e4")
		}
	}
}

func newFakeEngine(t *testing.T) *Engine {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	return &Engine{
		path:     self,
		moveTime: 50 * time.Millisecond,
		env:      []string{"OPPONENT_FAKE_ENGINE=1"},
	}
}

func TestEngineHandshakeAndMove(t *testing.T) {
	e := newFakeEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Init(ctx))
	require.Equal(t, Ready, e.State())
	defer e.Stop()

	move, err := e.Move(ctx, []string{"d2d4"})
	require.NoError(t, err)
	require.Equal(t, "e2e4", move)
	require.Equal(t, Ready, e.State())
}

func TestEngineStopKillsProcess(t *testing.T) {
	e := newFakeEngine(t)
	require.NoError(t, e.Init(context.Background()))
	e.Stop()
	require.Equal(t, Stopped, e.State())
}
