package opponent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialRemotePair spins up a local websocket echo-capable test server and returns a Remote
// wrapping the server-side connection plus the client-side connection for driving it.
func dialRemotePair(t *testing.T) (*Remote, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	serverConn := <-serverConnCh
	r := NewRemote(serverConn)
	require.NoError(t, r.Init(context.Background()))

	return r, client
}

func TestRemoteMoveReceivesClientReply(t *testing.T) {
	r, client := dialRemotePair(t)

	done := make(chan string, 1)
	go func() {
		uci, err := r.Move(context.Background(), nil)
		require.NoError(t, err)
		done <- uci
	}()

	var req remoteMessage
	require.NoError(t, client.ReadJSON(&req))
	require.Equal(t, "move_request", req.Type)

	require.NoError(t, client.WriteJSON(remoteMessage{Type: "move", UCI: "e7e5"}))

	select {
	case uci := <-done:
		require.Equal(t, "e7e5", uci)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for move")
	}
}

func TestRemoteSuppressesEchoedOwnMove(t *testing.T) {
	r, client := dialRemotePair(t)
	r.MarkSent("e2e4")

	done := make(chan string, 1)
	go func() {
		uci, err := r.Move(context.Background(), nil)
		require.NoError(t, err)
		done <- uci
	}()

	var req remoteMessage
	require.NoError(t, client.ReadJSON(&req))

	require.NoError(t, client.WriteJSON(remoteMessage{Type: "move", UCI: "e2e4"}))
	require.NoError(t, client.WriteJSON(remoteMessage{Type: "move", UCI: "e7e5"}))

	select {
	case uci := <-done:
		require.Equal(t, "e7e5", uci)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for move")
	}
}
