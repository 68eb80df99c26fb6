package opponent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	remotePongWait   = 60 * time.Second
	remotePingPeriod = 30 * time.Second
	remoteWriteWait  = 10 * time.Second
)

// remoteMessage is the wire format exchanged with the remote human's client: move requests
// flow out as {type:"move_request"}, and moves flow back as {type:"move", uci:"..."}.
type remoteMessage struct {
	Type string `json:"type"`
	UCI  string `json:"uci,omitempty"`
}

// Remote is an opponent backed by a human on the other end of a websocket connection.
// Because the physical board also reports the remote player's own completed moves back as
// local field events (the board doesn't know who is "remote"), Remote keeps the moves
// registered through MarkSent and, in Move, drops an incoming move that matches one of
// them (once), so the same move is not taken as a second, distinct move.
type Remote struct {
	base

	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]bool
	inbox   chan string
	done    chan struct{}
}

// NewRemote wraps an already-upgraded websocket connection as an opponent.
func NewRemote(conn *websocket.Conn) *Remote {
	return &Remote{
		conn:    conn,
		pending: make(map[string]bool),
		inbox:   make(chan string, 4),
		done:    make(chan struct{}),
	}
}

// Init starts the read pump and ping ticker, transitioning to READY immediately: a remote
// human is considered ready as soon as the socket is up.
func (r *Remote) Init(ctx context.Context) error {
	if !r.transitionFrom(Initializing, Uninitialized) {
		return invalidState("Init", r.State())
	}

	r.conn.SetReadDeadline(time.Now().Add(remotePongWait))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(remotePongWait))
		return nil
	})

	go r.readPump()
	go r.pingPump()

	r.transition(Ready)
	return nil
}

// Move asks the remote client for its move and waits for a matching reply, ignoring
// messages that echo a move this side already reported (see Remote's doc comment).
func (r *Remote) Move(ctx context.Context, history []string) (string, error) {
	if !r.transitionFrom(Thinking, Ready) {
		return "", invalidState("Move", r.State())
	}
	defer r.transition(Ready)

	if err := r.writeJSON(remoteMessage{Type: "move_request"}); err != nil {
		return "", r.fail(err)
	}

	for {
		select {
		case uci, ok := <-r.inbox:
			if !ok {
				return "", r.fail(fmt.Errorf("opponent/remote: connection closed"))
			}
			r.mu.Lock()
			echo := r.pending[uci]
			delete(r.pending, uci)
			r.mu.Unlock()
			if echo {
				continue
			}
			return uci, nil
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.done:
			return "", fmt.Errorf("opponent/remote: connection closed")
		}
	}
}

// MarkSent records a move this side is about to relay to the manager as having originated
// locally, so a later echo of the same move from the remote client is swallowed instead of
// being treated as a second, distinct move.
func (r *Remote) MarkSent(uci string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[uci] = true
}

// Stop closes the underlying connection.
func (r *Remote) Stop() {
	r.transition(Stopped)
	close(r.done)
	_ = r.conn.Close()
}

func (r *Remote) writeJSON(v any) error {
	r.conn.SetWriteDeadline(time.Now().Add(remoteWriteWait))
	return r.conn.WriteJSON(v)
}

func (r *Remote) readPump() {
	defer close(r.inbox)
	for {
		var msg remoteMessage
		if err := r.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "move" || msg.UCI == "" {
			continue
		}
		select {
		case r.inbox <- msg.UCI:
		case <-r.done:
			return
		}
	}
}

func (r *Remote) pingPump() {
	t := time.NewTicker(remotePingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.conn.SetWriteDeadline(time.Now().Add(remoteWriteWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

var _ Opponent = (*Remote)(nil)
